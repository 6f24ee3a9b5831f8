package sched

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/npu-sched/base/metrics"
)

var schedMetrics = struct {
	completed        *prometheus.CounterVec
	failed           *prometheus.CounterVec
	tasks            *prometheus.CounterVec
	irqs             *prometheus.CounterVec
	spuriousIRQs     *prometheus.CounterVec
	timeouts         *prometheus.CounterVec
	spuriousTimeouts *prometheus.CounterVec
	resets           *prometheus.CounterVec
	inFlight         *prometheus.GaugeVec
	queued           *prometheus.GaugeVec
}{
	completed: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.SchedJobsCompletedN,
		Help: metrics.SchedJobsCompletedH,
	}, []string{"core"}),
	failed: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.SchedJobsFailedN,
		Help: metrics.SchedJobsFailedH,
	}, []string{"core"}),
	tasks: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.SchedTasksDispatchedN,
		Help: metrics.SchedTasksDispatchedH,
	}, []string{"core"}),
	irqs: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.SchedIRQsN,
		Help: metrics.SchedIRQsH,
	}, []string{"core"}),
	spuriousIRQs: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.SchedSpuriousIRQsN,
		Help: metrics.SchedSpuriousIRQsH,
	}, []string{"core"}),
	timeouts: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.SchedTimeoutsN,
		Help: metrics.SchedTimeoutsH,
	}, []string{"core"}),
	spuriousTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.SchedSpuriousTimeoutsN,
		Help: metrics.SchedSpuriousTimeoutsH,
	}, []string{"core"}),
	resets: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.SchedResetsN,
		Help: metrics.SchedResetsH,
	}, []string{"core"}),
	inFlight: promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: metrics.SchedInFlightN,
		Help: metrics.SchedInFlightH,
	}, []string{"core"}),
	queued: promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: metrics.SchedQueuedN,
		Help: metrics.SchedQueuedH,
	}, []string{"core"}),
}

// counter mirrors a prometheus counter locally so that a core's own
// statistics stay readable per instance.
type counter struct {
	c prometheus.Counter
	n atomic.Uint64
}

func (x *counter) Inc() {
	x.c.Inc()
	x.n.Add(1)
}

func (x *counter) Load() uint64 { return x.n.Load() }

type coreMetrics struct {
	completed        counter
	failed           counter
	tasks            counter
	irqs             counter
	spuriousIRQs     counter
	timeouts         counter
	spuriousTimeouts counter
	resets           counter
	inFlight         prometheus.Gauge
	queued           prometheus.Gauge
}

func newCoreMetrics(index int) *coreMetrics {
	l := strconv.Itoa(index)
	return &coreMetrics{
		completed:        counter{c: schedMetrics.completed.WithLabelValues(l)},
		failed:           counter{c: schedMetrics.failed.WithLabelValues(l)},
		tasks:            counter{c: schedMetrics.tasks.WithLabelValues(l)},
		irqs:             counter{c: schedMetrics.irqs.WithLabelValues(l)},
		spuriousIRQs:     counter{c: schedMetrics.spuriousIRQs.WithLabelValues(l)},
		timeouts:         counter{c: schedMetrics.timeouts.WithLabelValues(l)},
		spuriousTimeouts: counter{c: schedMetrics.spuriousTimeouts.WithLabelValues(l)},
		resets:           counter{c: schedMetrics.resets.WithLabelValues(l)},
		inFlight:         schedMetrics.inFlight.WithLabelValues(l),
		queued:           schedMetrics.queued.WithLabelValues(l),
	}
}

// Stats is a snapshot of a core's counters.
type Stats struct {
	Completed        uint64
	Failed           uint64
	Tasks            uint64
	IRQs             uint64
	SpuriousIRQs     uint64
	Timeouts         uint64
	SpuriousTimeouts uint64
	Resets           uint64
}

func (m *coreMetrics) snapshot() Stats {
	return Stats{
		Completed:        m.completed.Load(),
		Failed:           m.failed.Load(),
		Tasks:            m.tasks.Load(),
		IRQs:             m.irqs.Load(),
		SpuriousIRQs:     m.spuriousIRQs.Load(),
		Timeouts:         m.timeouts.Load(),
		SpuriousTimeouts: m.spuriousTimeouts.Load(),
		Resets:           m.resets.Load(),
	}
}
