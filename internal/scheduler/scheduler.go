// Package scheduler runs recurring callbacks on one background
// goroutine, ordered by a min-heap of fire times.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

type event struct {
	at       time.Time
	interval time.Duration
	fn       func()
	canceled bool
}

type eventHeap []*event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}

// Cancel stops a scheduled event. It does not return while the event's
// callback is running; afterwards the callback never runs again. Cancel
// is idempotent and safe after Stop.
type Cancel func()

// Scheduler owns the worker goroutine. Construct with New.
type Scheduler struct {
	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	mu          sync.Mutex
	events      eventHeap
	stopped     bool
	current     *event
	currentDone chan struct{}
}

// New starts the worker.
func New() *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// ScheduleRecurring invokes fn every interval until canceled or the
// scheduler is stopped. The first invocation happens one interval from
// now. Callbacks share the worker goroutine, so they never overlap and
// a slow callback delays the others.
//
// After Stop, ScheduleRecurring returns a no-op Cancel and fn never
// runs.
func (s *Scheduler) ScheduleRecurring(interval time.Duration, fn func()) Cancel {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return func() {}
	}
	ev := &event{at: time.Now().Add(interval), interval: interval, fn: fn}
	heap.Push(&s.events, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return func() {
		s.mu.Lock()
		ev.canceled = true
		running := s.current == ev
		doneCh := s.currentDone
		s.mu.Unlock()
		if running {
			<-doneCh
		}
	}
}

// Stop cancels every event and joins the worker. In-flight callbacks
// finish first. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.quit)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		s.mu.Lock()
		for len(s.events) > 0 && s.events[0].canceled {
			heap.Pop(&s.events)
		}
		if len(s.events) > 0 && !s.events[0].at.After(time.Now()) {
			ev := heap.Pop(&s.events).(*event)
			s.current = ev
			s.currentDone = make(chan struct{})
			s.mu.Unlock()

			ev.fn()

			s.mu.Lock()
			close(s.currentDone)
			s.current = nil
			s.currentDone = nil
			if !ev.canceled {
				ev.at = time.Now().Add(ev.interval)
				heap.Push(&s.events, ev)
			}
			s.mu.Unlock()
			continue
		}
		wait := time.Duration(-1)
		if len(s.events) > 0 {
			wait = time.Until(s.events[0].at)
		}
		s.mu.Unlock()

		if wait < 0 {
			select {
			case <-s.wake:
			case <-s.quit:
				return
			}
			continue
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			stopTimer(timer)
		case <-s.quit:
			stopTimer(timer)
			return
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
