package dispatcher

import "errors"

// ErrClosed is returned by Consume once the dispatcher has been closed.
var ErrClosed = errors.New("dispatcher: closed")
