package sched

import (
	"example.com/npu-sched/core/job"
)

type rqItem struct {
	job  *job.Job
	seq  uint64
	qidx int
}

// runQueue orders jobs by priority, then by karma (jobs that caused fewer
// timeouts first), then by arrival.
type runQueue []*rqItem

func (q runQueue) Len() int { return len(q) }

func (q runQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if pa, pb := a.job.Priority(), b.job.Priority(); pa != pb {
		return pa > pb
	}
	if ka, kb := a.job.Karma(), b.job.Karma(); ka != kb {
		return ka < kb
	}
	return a.seq < b.seq
}

func (q runQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].qidx = i
	q[j].qidx = j
}

func (q *runQueue) Push(x any) {
	it := x.(*rqItem)
	it.qidx = len(*q)
	*q = append(*q, it)
}

func (q *runQueue) Pop() any {
	n := len(*q)
	it := (*q)[n-1]
	(*q)[n-1] = nil
	*q = (*q)[0 : n-1]
	return it
}
