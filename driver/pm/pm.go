// Package pm implements the busy/idle bookkeeping consumed by a clock
// governor.
package pm

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/npu-sched/base/metrics"
	"example.com/npu-sched/base/zaplog"
	"example.com/npu-sched/driver/hw"
)

var busyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: metrics.PMBusyN,
	Help: metrics.PMBusyH,
}, []string{"core"})

// Governor counts busy references per core. A core is busy while its count
// is positive.
type Governor struct {
	Log *zap.Logger

	mu   sync.Mutex
	busy map[int]int
}

var _ hw.PowerManager = (*Governor)(nil)

func NewGovernor(log *zap.Logger) *Governor {
	return &Governor{
		Log:  zaplog.Or(log),
		busy: make(map[int]int),
	}
}

func (g *Governor) MarkBusy(core int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.busy[core]++
	if g.busy[core] == 1 {
		busyGauge.WithLabelValues(strconv.Itoa(core)).Set(1)
	}
}

func (g *Governor) MarkIdle(core int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[core] == 0 {
		g.Log.Error("unbalanced idle notification", zap.Int("core", core))
		return
	}
	g.busy[core]--
	if g.busy[core] == 0 {
		busyGauge.WithLabelValues(strconv.Itoa(core)).Set(0)
	}
}

// Busy returns the number of outstanding busy references of a core.
func (g *Governor) Busy(core int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy[core]
}
