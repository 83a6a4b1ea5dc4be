package storage

import "github.com/pkg/errors"

// ErrIO wraps any filesystem failure writing/reading piece or output files.
var ErrIO = errors.New("storage: io error")
