package fence

import (
	"errors"
)

var (
	ErrAlreadySignaled = errors.New("fence already signaled")
	ErrTimeout         = errors.New("timed out waiting for fence")
)
