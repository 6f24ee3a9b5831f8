package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"example.com/npu-sched/core/device"
	"example.com/npu-sched/core/job"
)

type batchTask struct {
	RegCmd      uint64 `json:"regcmd"`
	RegCmdCount uint32 `json:"regcmd_count"`
	Reserved    uint32 `json:"reserved,omitempty"`
}

type batchJob struct {
	Tasks    []batchTask `json:"tasks"`
	In       []string    `json:"in,omitempty"`
	Out      []string    `json:"out,omitempty"`
	Priority string      `json:"priority,omitempty"`
	Reserved uint32      `json:"reserved,omitempty"`
}

// batchFile is the JSON input of the submit command. Buffers are declared by
// name with their size and referenced by name from jobs.
type batchFile struct {
	Buffers  map[string]int `json:"buffers,omitempty"`
	Jobs     []batchJob     `json:"jobs"`
	Reserved uint32         `json:"reserved,omitempty"`
}

func decodeBatch(raw []byte) (batchFile, error) {
	var bf batchFile
	if err := sonnet.Unmarshal(raw, &bf); err != nil {
		return batchFile{}, err
	}
	if len(bf.Jobs) == 0 {
		return batchFile{}, fmt.Errorf("%w: batch without jobs", job.ErrInvalidArgument)
	}
	return bf, nil
}

func parsePriority(s string) (job.Priority, error) {
	if s == "" {
		return job.PriorityNormal, nil
	}
	for p := job.Priority(0); int(p) < job.NumPriorities; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: priority %q", job.ErrInvalidArgument, s)
}

func handles(names []string, hs map[string]device.Handle) ([]device.Handle, error) {
	r := make([]device.Handle, len(names))
	for i, n := range names {
		h, ok := hs[n]
		if !ok {
			return nil, fmt.Errorf("%w: buffer %q not declared", device.ErrInvalidHandle, n)
		}
		r[i] = h
	}
	return r, nil
}

func (bf batchFile) toBatch(hs map[string]device.Handle) (device.Batch, error) {
	b := device.Batch{Reserved: bf.Reserved}
	for i, bj := range bf.Jobs {
		prio, err := parsePriority(bj.Priority)
		if err != nil {
			return device.Batch{}, fmt.Errorf("job %d: %w", i, err)
		}
		js := device.JobSpec{Priority: prio, Reserved: bj.Reserved}
		for _, t := range bj.Tasks {
			js.Tasks = append(js.Tasks, job.Task{RegCmd: t.RegCmd, RegCmdCount: t.RegCmdCount, Reserved: t.Reserved})
		}
		if js.In, err = handles(bj.In, hs); err != nil {
			return device.Batch{}, fmt.Errorf("job %d: %w", i, err)
		}
		if js.Out, err = handles(bj.Out, hs); err != nil {
			return device.Batch{}, fmt.Errorf("job %d: %w", i, err)
		}
		b.Jobs = append(b.Jobs, js)
	}
	return b, nil
}

type batchResult struct {
	id      uint64
	outcome device.Outcome
	err     error
}

// runBatch creates the declared buffers in a fresh session, submits the batch
// and waits for every admitted job.
func runBatch(ctx context.Context, d *device.Device, bf batchFile, timeout time.Duration) ([]batchResult, error) {
	s := d.Open()
	defer s.Close()

	hs := make(map[string]device.Handle, len(bf.Buffers))
	for name, size := range bf.Buffers {
		h, _, err := s.CreateBuffer(size)
		if err != nil {
			return nil, fmt.Errorf("buffer %q: %w", name, err)
		}
		hs[name] = h
	}
	b, err := bf.toBatch(hs)
	if err != nil {
		return nil, err
	}
	ids, submitErr := s.Submit(b)
	rs := make([]batchResult, 0, len(ids))
	for _, id := range ids {
		o, err := d.WaitJob(ctx, id, timeout)
		rs = append(rs, batchResult{id: id, outcome: o, err: err})
	}
	return rs, submitErr
}
