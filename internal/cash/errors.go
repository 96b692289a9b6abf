package cash

import "errors"

var (
	ErrInvalidDenomination = errors.New("invalid denomination")
	ErrInvalidCount        = errors.New("invalid count")
	ErrInvalidAmount       = errors.New("invalid amount")
)
