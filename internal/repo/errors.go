package repo

import "errors"

// ErrNotFound is returned when a row does not exist. Callers distinguish it
// with errors.Is.
var ErrNotFound = errors.New("not found")
