package twin

import "errors"

var (
	ErrNotFound       = errors.New("twin: not found")
	ErrInvalidState   = errors.New("twin: invalid state")
	ErrNotImplemented = errors.New("twin: deployment kind not implemented")
	ErrProvisioning   = errors.New("twin: resource provisioning failed")
)
