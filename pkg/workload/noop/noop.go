// Package noop provides a Workload that does nothing but track its own
// lifecycle, for local demos and tests where no real container runtime
// is available.
package noop

import (
	"context"
	"sync"

	"meshlb/pkg/workload"
)

type Workload struct {
	done     chan struct{}
	closeOne sync.Once
}

// Factory satisfies workload.Factory.
func Factory(ctx context.Context, handle workload.Handle, transport interface{}) (workload.Workload, error) {
	return &Workload{done: make(chan struct{})}, nil
}

func (w *Workload) Terminate(ctx context.Context) error {
	w.closeOne.Do(func() { close(w.done) })
	return nil
}

func (w *Workload) Done() <-chan struct{} { return w.done }
