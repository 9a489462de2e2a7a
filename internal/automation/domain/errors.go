package automation

import "errors"

// ErrNotFound indicates a missing automation.
var ErrNotFound = errors.New("automation not found")
