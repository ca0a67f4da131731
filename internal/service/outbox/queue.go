package outbox

import (
	"container/heap"
	"time"
)

type queued struct {
	entryID string
	due     time.Time
	seq     uint64
	index   int
}

// delayQueue is a min-heap on (due, seq).
type delayQueue []*queued

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q delayQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayQueue) Push(x any) {
	it := x.(*queued)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *delayQueue) schedule(entryID string, due time.Time, seq uint64) {
	heap.Push(q, &queued{entryID: entryID, due: due, seq: seq})
}

// popDue removes and returns every element due at or before now, in order.
func (q *delayQueue) popDue(now time.Time) []*queued {
	var out []*queued
	for q.Len() > 0 && !(*q)[0].due.After(now) {
		out = append(out, heap.Pop(q).(*queued))
	}
	return out
}

// next returns the earliest due time.
func (q delayQueue) next() (time.Time, bool) {
	if len(q) == 0 {
		return time.Time{}, false
	}
	return q[0].due, true
}
