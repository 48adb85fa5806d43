// Package scheduler implements spec.md §4.5's transmit scheduler: a
// priority queue (interactive > normal > bulk), FIFO within a priority
// tier, gated on dequeue by an independent per-destination token bucket.
package scheduler

import (
	"container/heap"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/time/rate"
)

// Priority orders frames within the queue; higher values dequeue first.
type Priority int

const (
	PriorityBulk Priority = iota
	PriorityNormal
	PriorityInteractive
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityNormal:
		return "normal"
	default:
		return "bulk"
	}
}

// State is a TxFrame's position in spec.md §4.5's lifecycle:
// queued → sending → sent → acked | failed | cancelled.
type State int

const (
	StateQueued State = iota
	StateSending
	StateSent
	StateAcked
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateSent:
		return "sent"
	case StateAcked:
		return "acked"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "queued"
	}
}

// TxFrame is spec.md §3's scheduler-tracked frame record.
type TxFrame struct {
	ID           string
	Destination  string
	Source       string
	Payload      []byte
	Priority     Priority
	State        State
	Attempts     int
	SentAt       *time.Time
	AckedAt      *time.Time
	ErrorMessage string
}

type heapItem struct {
	frame *TxFrame
	seq   uint64
}

type priorityQueue []*heapItem

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].frame.Priority != q[j].frame.Priority {
		return q[i].frame.Priority > q[j].frame.Priority
	}
	return q[i].seq < q[j].seq
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)   { *q = append(*q, x.(*heapItem)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func normalizeDest(d string) string {
	return strings.ToUpper(strings.TrimSpace(d))
}

// Scheduler owns the priority queue and per-destination token buckets. Per
// spec.md §5, it is mutated only from the protocol thread.
type Scheduler struct {
	queue    priorityQueue
	nextSeq  uint64
	limiters map[string]*rate.Limiter
	frames   map[string]*TxFrame
	rateHz   rate.Limit
	burst    int
}

// NewScheduler constructs a scheduler whose per-destination token buckets
// each refill at rateHz tokens/second with the given burst capacity.
func NewScheduler(rateHz float64, burst int) *Scheduler {
	return &Scheduler{
		limiters: make(map[string]*rate.Limiter),
		frames:   make(map[string]*TxFrame),
		rateHz:   rate.Limit(rateHz),
		burst:    burst,
	}
}

func (s *Scheduler) limiterFor(destination string) *rate.Limiter {
	dest := normalizeDest(destination)
	lim, ok := s.limiters[dest]
	if !ok {
		lim = rate.NewLimiter(s.rateHz, s.burst)
		s.limiters[dest] = lim
	}
	return lim
}

// Enqueue adds a new frame in state queued, priority-ordered ahead of
// lower-priority frames and FIFO within its own priority, and returns it.
// The frame's ID is generated with rs/xid, matching SPEC_FULL's scheduler
// ID wiring.
func (s *Scheduler) Enqueue(destination, source string, payload []byte, priority Priority) *TxFrame {
	frame := &TxFrame{
		ID:          xid.New().String(),
		Destination: destination,
		Source:      source,
		Payload:     payload,
		Priority:    priority,
		State:       StateQueued,
	}
	s.frames[frame.ID] = frame
	heap.Push(&s.queue, &heapItem{frame: frame, seq: s.nextSeq})
	s.nextSeq++
	return frame
}

// Dequeue returns the highest-priority, earliest-enqueued frame whose
// destination currently has an available token, transitioning it to
// sending and incrementing its attempt count. Per spec.md §4.5, a
// rate-limited head-of-line frame does not block frames to other
// destinations: the scheduler skips it and tries the next distinct
// candidate. An empty queue, and a queue that is entirely rate-limited,
// both return (nil, false).
func (s *Scheduler) Dequeue(now time.Time) (*TxFrame, bool) {
	var skipped []*heapItem
	defer func() {
		for _, it := range skipped {
			heap.Push(&s.queue, it)
		}
	}()

	for s.queue.Len() > 0 {
		it := heap.Pop(&s.queue).(*heapItem)
		if it.frame.State == StateCancelled {
			continue // discarded, not requeued.
		}
		if !s.limiterFor(it.frame.Destination).AllowN(now, 1) {
			skipped = append(skipped, it)
			continue
		}
		it.frame.State = StateSending
		it.frame.Attempts++
		return it.frame, true
	}
	return nil, false
}

// MarkSent transitions a sending frame to sent, on link handoff.
func (s *Scheduler) MarkSent(id string, now time.Time) {
	f, ok := s.frames[id]
	if !ok || f.State != StateSending {
		return
	}
	f.State = StateSent
	f.SentAt = &now
}

// MarkAcked transitions a sent frame to acked, its terminal success state.
func (s *Scheduler) MarkAcked(id string, now time.Time) {
	f, ok := s.frames[id]
	if !ok {
		return
	}
	f.State = StateAcked
	f.AckedAt = &now
}

// MarkFailed transitions a frame to failed, its terminal error state.
func (s *Scheduler) MarkFailed(id, reason string) {
	f, ok := s.frames[id]
	if !ok {
		return
	}
	f.State = StateFailed
	f.ErrorMessage = reason
}

// RequeueForRetry returns a sending frame to queued, retaining its attempt
// count, and re-inserts it at the back of its priority tier.
func (s *Scheduler) RequeueForRetry(id string) bool {
	f, ok := s.frames[id]
	if !ok || f.State != StateSending {
		return false
	}
	f.State = StateQueued
	heap.Push(&s.queue, &heapItem{frame: f, seq: s.nextSeq})
	s.nextSeq++
	return true
}

// Cancel marks a frame cancelled. Idempotent; forbids any subsequent
// dequeue of this frame (a still-queued copy sitting in the heap is
// discarded the next time Dequeue pops it).
func (s *Scheduler) Cancel(id string) {
	f, ok := s.frames[id]
	if !ok {
		return
	}
	f.State = StateCancelled
}

// Frame returns the tracked frame by ID, if any.
func (s *Scheduler) Frame(id string) (*TxFrame, bool) {
	f, ok := s.frames[id]
	return f, ok
}

// Len returns the number of frames still sitting in the dequeue-candidate
// heap (queued or previously-skipped-for-rate-limit, not yet dequeued).
func (s *Scheduler) Len() int {
	return s.queue.Len()
}
