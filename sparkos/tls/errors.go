package tls

import "errors"

var (
	ErrInvalidArgument   = errors.New("tls: invalid argument")
	ErrAlreadyBound      = errors.New("tls: thread already bound")
	ErrNotBound          = errors.New("tls: thread not bound")
	ErrAllocationFailure = errors.New("tls: allocation failure")
)
