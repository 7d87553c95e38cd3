package store

import "errors"

// errDatastoreOffline is returned by all Datastore operations while a
// MemDatastore has been put in the offline state by a test.
var errDatastoreOffline = errors.New("store: datastore offline")
