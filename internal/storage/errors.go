package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when a job status change would violate
// the Pending -> Processing -> {Completed, Failed} lifecycle.
var ErrInvalidTransition = errors.New("storage: invalid job status transition")
