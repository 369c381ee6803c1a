package scheduler

import (
	"time"

	"github.com/djlord-it/easy-mail/internal/domain"
)

// entry is a pending trigger in the wait queue. due starts at the trigger's
// fire instant and is pushed back when claiming it fails. payload is nil for
// recovered triggers until it is loaded at claim time.
type entry struct {
	trigger domain.Trigger
	payload *domain.EmailPayload
	due     time.Time
	index   int
}

// triggerQueue is a min-heap of entries ordered by due time.
type triggerQueue []*entry

func (q triggerQueue) Len() int { return len(q) }

func (q triggerQueue) Less(i, j int) bool {
	return q[i].due.Before(q[j].due)
}

func (q triggerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *triggerQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *triggerQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
