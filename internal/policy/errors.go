package policy

import "errors"

var (
	ErrNotFound      = errors.New("policy: not found")
	ErrInvalidInput  = errors.New("policy: invalid input")
	ErrQuotaExceeded = errors.New("policy: quota exceeded")
)
