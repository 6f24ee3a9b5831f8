package sched

import (
	"errors"
)

var (
	ErrJobHung      = errors.New("job hung")
	ErrReset        = errors.New("job aborted by core reset")
	ErrDependency   = errors.New("dependency failed")
	ErrDomainAttach = errors.New("failed to attach execution domain")
	ErrStopped      = errors.New("scheduler stopped")
)
