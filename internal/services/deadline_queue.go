package services

import (
	"container/heap"
	"time"
)

type DeadlineKind int

const (
	DeadlineStart DeadlineKind = iota
	DeadlineEnd
)

func (k DeadlineKind) String() string {
	if k == DeadlineStart {
		return "start"
	}
	return "end"
}

type deadline struct {
	auctionID string
	kind      DeadlineKind
	at        time.Time
	attempts  int
	index     int
}

// deadlineQueue is a min-heap on at; ties break start before end so a
// zero-length window still goes Live first.
type deadlineQueue []*deadline

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].kind < q[j].kind
	}
	return q[i].at.Before(q[j].at)
}

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue) Push(x any) {
	d := x.(*deadline)
	d.index = len(*q)
	*q = append(*q, d)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*q = old[:n-1]
	return d
}

func (q deadlineQueue) peek() *deadline {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *deadlineQueue) remove(d *deadline) {
	if d.index >= 0 && d.index < len(*q) && (*q)[d.index] == d {
		heap.Remove(q, d.index)
	}
}
