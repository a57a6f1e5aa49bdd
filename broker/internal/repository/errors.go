package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers should check with errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an operation would violate a uniqueness or
// ownership invariant — for example binding a project that is already
// bound to a different runner.
var ErrConflict = errors.New("record conflict")
