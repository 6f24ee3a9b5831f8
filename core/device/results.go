package device

// Outcome is the terminal (or, for TimedOut, current) result of a wait.
type Outcome int

const (
	Unknown Outcome = iota
	Done
	TimedOut
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case TimedOut:
		return "timed out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type result struct {
	outcome Outcome
	err     error
}

// resultRing keeps the results of the most recently finished jobs.
type resultRing struct {
	ids  []uint64
	head int
	full bool
	m    map[uint64]result
}

func newResultRing(n int) *resultRing {
	return &resultRing{
		ids: make([]uint64, n),
		m:   make(map[uint64]result, n),
	}
}

func (r *resultRing) add(id uint64, res result) {
	if len(r.ids) == 0 {
		return
	}
	if r.full {
		delete(r.m, r.ids[r.head])
	}
	r.ids[r.head] = id
	r.m[id] = res
	r.head++
	if r.head == len(r.ids) {
		r.head = 0
		r.full = true
	}
}

func (r *resultRing) get(id uint64) (result, bool) {
	res, ok := r.m[id]
	return res, ok
}
