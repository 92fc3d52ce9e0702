package model

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNetwork           = errors.New("network error")
	ErrIO                = errors.New("io error")
	ErrAuth              = errors.New("authentication error")
	ErrParse             = errors.New("parse error")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrMissingDependency = errors.New("missing dependency")
)
