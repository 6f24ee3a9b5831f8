// Package benchmark measures submit-to-done latency of jobs on a device.
package benchmark

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"example.com/npu-sched/base/zaplog"
	"example.com/npu-sched/core/device"
	"example.com/npu-sched/core/job"
)

type Params struct {
	Clients       int
	JobsPerClient int
	TasksPerJob   int
	BufferSize    int
	// Chain makes every job of a client write the buffer its predecessor
	// wrote, serializing the client's jobs through the dependency tracker.
	Chain bool
}

func DefaultParams() Params {
	return Params{
		Clients:       4,
		JobsPerClient: 1000,
		TasksPerJob:   1,
		BufferSize:    4096,
	}
}

type Result struct {
	Latency  *hdrhistogram.Histogram
	Failed   int
	Duration time.Duration
}

// Run submits jobs from p.Clients concurrent sessions and records the
// latency of each job in microseconds.
func Run(ctx context.Context, log *zap.Logger, d *device.Device, p Params) (Result, error) {
	if p.Clients <= 0 || p.JobsPerClient <= 0 || p.TasksPerJob <= 0 {
		return Result{}, fmt.Errorf("%w: benchmark parameters %+v", job.ErrInvalidArgument, p)
	}
	log = zaplog.Or(log)
	var (
		mu   sync.Mutex
		res  = Result{Latency: hdrhistogram.New(1, 60_000_000, 3)}
		errs []error
		wg   sync.WaitGroup
		sg   = make(chan struct{})
	)
	wg.Add(p.Clients)
	for i := 0; i < p.Clients; i++ {
		go func(client int) {
			defer wg.Done()
			hg, failed, err := runClient(ctx, d, p, client, sg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			res.Latency.Merge(hg)
			res.Failed += failed
		}(i)
	}
	t0 := time.Now()
	close(sg)
	wg.Wait()
	res.Duration = time.Since(t0)
	if len(errs) != 0 {
		return res, errs[0]
	}
	log.Info("benchmark finished",
		zap.Int("jobs", p.Clients*p.JobsPerClient),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func runClient(ctx context.Context, d *device.Device, p Params, client int, sg <-chan struct{}) (
	*hdrhistogram.Histogram, int, error) {
	hg := hdrhistogram.New(1, 60_000_000, 3)
	s := d.Open()
	defer s.Close()

	h, _, err := s.CreateBuffer(p.BufferSize)
	if err != nil {
		return nil, 0, err
	}
	tasks := make([]job.Task, p.TasksPerJob)
	for i := range tasks {
		tasks[i] = job.Task{RegCmd: uint64(0x1000_0000 + client*0x10_0000 + i*0x1000), RegCmdCount: 64}
	}

	<-sg
	failed := 0
	for n := 0; n < p.JobsPerClient; n++ {
		var out []device.Handle
		if p.Chain {
			out = []device.Handle{h}
		}
		t0 := time.Now()
		id, err := s.SubmitJob(tasks, nil, out, job.PriorityNormal)
		if err != nil {
			return nil, 0, err
		}
		o, err := d.WaitJob(ctx, id, time.Minute)
		switch o {
		case device.Done:
		case device.Failed:
			failed++
		default:
			return nil, 0, fmt.Errorf("job %d: %v: %w", id, o, err)
		}
		err = hg.RecordValue(time.Since(t0).Microseconds())
		if err != nil {
			return nil, 0, fmt.Errorf("failed to record histogram value: %w", err)
		}
	}
	return hg, failed, nil
}

// Print writes the latency distribution of r to w.
func (r Result) Print(w io.Writer) {
	fmt.Fprintf(w, "jobs=%d failed=%d duration=%v\n", r.Latency.TotalCount(), r.Failed, r.Duration)
	for _, q := range []float64{50, 90, 99, 99.9} {
		fmt.Fprintf(w, "p%v=%dus\n", q, r.Latency.ValueAtQuantile(q))
	}
	_, _ = r.Latency.PercentilesPrint(w, 1, 1.0)
}
