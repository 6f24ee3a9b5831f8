// Package device is the submission boundary of the scheduler: sessions own
// buffer handles and an execution domain, submit jobs over all cores and wait
// for their results.
package device

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/npu-sched/base/metrics"
	"example.com/npu-sched/base/zaplog"
	"example.com/npu-sched/core/fence"
	"example.com/npu-sched/core/job"
	"example.com/npu-sched/core/journal"
	"example.com/npu-sched/core/resv"
	"example.com/npu-sched/core/sched"
	"example.com/npu-sched/driver/hw"
	"example.com/npu-sched/driver/mem"
)

var deviceMetrics = struct {
	submitted      prometheus.Counter
	rejected       prometheus.Counter
	buffers        prometheus.Gauge
	journalDropped prometheus.Counter
}{
	submitted: promauto.NewCounter(prometheus.CounterOpts{
		Name: metrics.DeviceJobsSubmittedN,
		Help: metrics.DeviceJobsSubmittedH,
	}),
	rejected: promauto.NewCounter(prometheus.CounterOpts{
		Name: metrics.DeviceJobsRejectedN,
		Help: metrics.DeviceJobsRejectedH,
	}),
	buffers: promauto.NewGauge(prometheus.GaugeOpts{
		Name: metrics.DeviceBuffersN,
		Help: metrics.DeviceBuffersH,
	}),
	journalDropped: promauto.NewCounter(prometheus.CounterOpts{
		Name: metrics.DeviceJournalDroppedN,
		Help: metrics.DeviceJournalDroppedH,
	}),
}

const (
	DefaultResultsCap   = 4096
	DefaultJournalQueue = 256
)

// A Recorder persists the outcome of finished jobs. *journal.Journal is the
// production implementation.
type Recorder interface {
	Record(ctx context.Context, r journal.Record) error
	Lookup(ctx context.Context, id uint64) (journal.Record, bool, error)
}

type Config struct {
	JobTimeout time.Duration
	HangLimit  int
	// ResultsCap is the number of finished job results kept in memory,
	// DefaultResultsCap if not positive.
	ResultsCap int
	// Journal, if set, records every finished job.
	Journal Recorder
	// JournalQueue bounds the records waiting for Journal,
	// DefaultJournalQueue if not positive. Records beyond it are dropped.
	JournalQueue int
}

type liveJob struct {
	done  *fence.Fence
	tasks int
}

type Device struct {
	Log *zap.Logger

	cores  []*sched.Core
	alloc  mem.Allocator
	cancel context.CancelCauseFunc

	// schedMu orders arming, fence publication and queueing of jobs across
	// sessions.
	schedMu sync.Mutex
	closed  bool

	nextJob atomic.Uint64

	mu       sync.Mutex
	jobs     map[uint64]liveJob
	results  *resultRing
	journal  Recorder
	journalq chan journal.Record
	journalw sync.WaitGroup
	dropped  atomic.Uint64
}

// New creates a scheduler per hardware core and starts them.
func New(log *zap.Logger, cores []hw.Core, pm hw.PowerManager, alloc mem.Allocator, cfg Config) *Device {
	if len(cores) == 0 {
		panic("device without cores")
	}
	log = zaplog.Or(log)
	if cfg.ResultsCap <= 0 {
		cfg.ResultsCap = DefaultResultsCap
	}
	if cfg.JournalQueue <= 0 {
		cfg.JournalQueue = DefaultJournalQueue
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	d := &Device{
		Log:     log,
		alloc:   alloc,
		cancel:  cancel,
		jobs:    make(map[uint64]liveJob),
		results: newResultRing(cfg.ResultsCap),
		journal: cfg.Journal,
	}
	for _, c := range cores {
		sc := sched.NewCore(log, c, pm, alloc, sched.Config{
			Timeout:   cfg.JobTimeout,
			HangLimit: cfg.HangLimit,
		})
		sc.Start(ctx)
		d.cores = append(d.cores, sc)
	}
	if d.journal != nil {
		d.journalq = make(chan journal.Record, cfg.JournalQueue)
		d.journalw.Add(1)
		go d.writeJournal(d.journal, d.journalq)
	}
	log.Info("device started", zap.Int("cores", len(d.cores)))
	return d
}

func (d *Device) Cores() []*sched.Core { return d.cores }

// Idle reports whether no core has queued or running jobs.
func (d *Device) Idle() bool {
	for _, c := range d.cores {
		if !c.Idle() {
			return false
		}
	}
	return true
}

// Open creates a session with its own execution domain and scheduling entity.
func (d *Device) Open() *Session {
	s := &Session{
		dev:      d,
		domain:   mem.NewDomain(),
		entity:   sched.NewEntity(d.cores),
		timeline: fence.NewTimeline("session"),
		handles:  make(map[Handle]*buffer),
	}
	d.Log.Debug("session opened", zap.Stringer("domain", s.domain))
	return s
}

// push arms j, publishes its done fence on its buffers and queues it. The
// buffers' reservation objects are locked in a fixed order for the duration.
func (d *Device) push(s *Session, j *job.Job) error {
	in := reservations(j.In())
	out := reservations(j.Out())
	unlock := resv.LockAll(append(slices.Clip(in), out...))
	defer unlock()

	d.schedMu.Lock()
	defer d.schedMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	j.Arm(s.timeline)
	d.track(j)
	deps := resv.AttachLocked(in, out, j.Done)
	s.entity.Push(j, deps)
	return nil
}

func reservations(bs []job.Buffer) []*resv.Object {
	objs := make([]*resv.Object, len(bs))
	for i, b := range bs {
		objs[i] = b.Resv()
	}
	return objs
}

func (d *Device) track(j *job.Job) {
	id, tasks := j.ID(), j.TaskCount()
	d.mu.Lock()
	d.jobs[id] = liveJob{done: j.Done, tasks: tasks}
	d.mu.Unlock()
	j.Done.AddCallback(func(f *fence.Fence) {
		d.finished(id, tasks, f.Err())
	})
}

func (d *Device) finished(id uint64, tasks int, err error) {
	res := result{outcome: Done, err: err}
	rec := journal.Record{JobID: id, Status: journal.StatusDone, Tasks: tasks, Finished: time.Now()}
	if err != nil {
		res.outcome = Failed
		rec.Status = journal.StatusFailed
		rec.Err = err.Error()
		rec.Causes = causes(err)
	}
	dropped := false
	d.mu.Lock()
	delete(d.jobs, id)
	d.results.add(id, res)
	if d.journalq != nil {
		select {
		case d.journalq <- rec:
		default:
			dropped = true
		}
	}
	d.mu.Unlock()
	if dropped {
		d.dropped.Add(1)
		deviceMetrics.journalDropped.Inc()
		d.Log.Warn("journal queue full, dropping record", zap.Uint64("job", id))
	}
}

// JournalDropped returns the number of records not journaled because the
// journal fell behind.
func (d *Device) JournalDropped() uint64 { return d.dropped.Load() }

func (d *Device) writeJournal(jr Recorder, q <-chan journal.Record) {
	defer d.journalw.Done()
	for rec := range q {
		if err := jr.Record(context.Background(), rec); err != nil {
			d.Log.Error("failed to journal job", zap.Uint64("job", rec.JobID), zap.Error(err))
		}
	}
}

// WaitJob waits up to timeout for job id to finish. A non-positive timeout
// polls. Failed jobs report their error. Results of jobs no longer resident
// in memory are taken from the journal.
func (d *Device) WaitJob(ctx context.Context, id uint64, timeout time.Duration) (Outcome, error) {
	d.mu.Lock()
	lj, live := d.jobs[id]
	res, known := d.results.get(id)
	d.mu.Unlock()

	switch {
	case live:
		return waitDone(ctx, lj.done, timeout)
	case known:
		return res.outcome, res.err
	}
	if d.journal != nil {
		rec, ok, err := d.journal.Lookup(ctx, id)
		if err != nil {
			return Unknown, err
		}
		if ok {
			if rec.Status == journal.StatusFailed {
				return Failed, journaledError(rec)
			}
			return Done, nil
		}
	}
	return Unknown, fmt.Errorf("%w: %d", ErrUnknownJob, id)
}

func waitDone(ctx context.Context, done *fence.Fence, timeout time.Duration) (Outcome, error) {
	if timeout > 0 {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_ = done.WaitContext(wctx)
	}
	if !done.IsSignaled() {
		return TimedOut, ctx.Err()
	}
	if err := done.Err(); err != nil {
		return Failed, err
	}
	return Done, nil
}

// Close stops all cores. Queued and running jobs fail with ErrClosed.
func (d *Device) Close() error {
	d.schedMu.Lock()
	if d.closed {
		d.schedMu.Unlock()
		return nil
	}
	d.closed = true
	d.schedMu.Unlock()

	d.cancel(ErrClosed)
	for _, c := range d.cores {
		<-c.Done()
	}

	d.mu.Lock()
	q := d.journalq
	d.journalq = nil
	d.mu.Unlock()
	if q != nil {
		close(q)
		d.journalw.Wait()
	}
	d.Log.Info("device closed")
	return nil
}
