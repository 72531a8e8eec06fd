package model

import "errors"

// Sentinel kinds for model errors.
var (
	ErrInvalidRecord = errors.New("invalid observation record")
	ErrUnknownField  = errors.New("unknown aggregate field")
)
