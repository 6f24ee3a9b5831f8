package job

import (
	"errors"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
)
