package sim

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/opensand-dama/timectrl"
)

type event struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// EventScheduler runs callbacks at simulation times read from a SimClock.
// The runtime calls RunDue after every frame tick; PEP commands and traffic
// bursts of a scenario are scheduled through it.
type EventScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*event // ordered by when, earliest first
	index   map[string]*event
}

// NewEventScheduler creates a scheduler reading time from clock.
func NewEventScheduler(clock timectrl.SimClock) *EventScheduler {
	return &EventScheduler{
		clock: clock,
		index: make(map[string]*event),
	}
}

// Schedule registers f to run once the clock reaches at and returns an id
// for Cancel. Events with the same time run in scheduling order.
func (s *EventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ev := &event{id: fmt.Sprintf("ev-%d", s.counter), when: at, f: f}
	i := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(at)
	})
	s.events = slices.Insert(s.events, i, ev)
	s.index[ev.id] = ev
	return ev.id
}

// Cancel drops a pending event. Unknown or already run ids are ignored.
func (s *EventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.index[id]; ok {
		ev.cancelled = true
		delete(s.index, id)
	}
}

// Now returns the clock time.
func (s *EventScheduler) Now() time.Time { return s.clock.Now() }

// Pending is the number of events not run or cancelled yet.
func (s *EventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// RunDue runs every event due at the current clock time. Callbacks run
// outside the lock and may schedule further events.
func (s *EventScheduler) RunDue() {
	for {
		ev := s.popDue()
		if ev == nil {
			return
		}
		if ev.f != nil {
			ev.f()
		}
	}
}

func (s *EventScheduler) popDue() *event {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.when.After(now) {
			return nil
		}
		s.events = s.events[1:]
		if ev.cancelled {
			continue
		}
		delete(s.index, ev.id)
		return ev
	}
	return nil
}
