package mem

import (
	"errors"
)

var (
	ErrInvalidSize     = errors.New("invalid buffer size")
	ErrAlreadyAttached = errors.New("domain already attached to core")
	ErrNotAttached     = errors.New("domain not attached to core")
	ErrCoreBusy        = errors.New("core attached to another domain")
	ErrFreed           = errors.New("region already freed")
)
