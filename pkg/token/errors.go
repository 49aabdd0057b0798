package token

import "errors"

// Transfer errors.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrZeroAddress           = errors.New("zero address")
	ErrOverflow              = errors.New("amount overflows 256 bits")
)
