package device

import (
	"errors"

	"example.com/npu-sched/core/journal"
	"example.com/npu-sched/core/sched"
)

var (
	ErrInvalidHandle = errors.New("invalid buffer handle")
	ErrUnknownJob    = errors.New("unknown job")
	ErrBusy          = errors.New("buffer busy")
	ErrClosed        = errors.New("device closed")
)

// causeErrors are the sentinels that survive a round trip through the
// journal.
var causeErrors = []error{
	sched.ErrJobHung,
	sched.ErrReset,
	sched.ErrDependency,
	sched.ErrDomainAttach,
	sched.ErrStopped,
	ErrClosed,
}

func causes(err error) []string {
	var cs []string
	for _, c := range causeErrors {
		if errors.Is(err, c) {
			cs = append(cs, c.Error())
		}
	}
	return cs
}

type recordedError struct {
	msg    string
	causes []error
}

func (e *recordedError) Error() string   { return e.msg }
func (e *recordedError) Unwrap() []error { return e.causes }

// journaledError rebuilds the error of a failed job from its record.
func journaledError(rec journal.Record) error {
	e := &recordedError{msg: rec.Err}
	for _, name := range rec.Causes {
		for _, c := range causeErrors {
			if c.Error() == name {
				e.causes = append(e.causes, c)
			}
		}
	}
	return e
}
