package matches

import "errors"

var (
	ErrNotFound     = errors.New("match record not found")
	ErrInvalidInput = errors.New("invalid input")
)
