package core

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrIncomplete      = errors.New("upload incomplete")
	ErrNoText          = errors.New("no text extracted")
)
