// Package fifo provides the bounded, access-type tagged packet queues that sit
// between encapsulation and the DAMA agent scheduler.
package fifo

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
)

// ErrFull is returned by Push when the queue is at capacity.
var ErrFull = errors.New("fifo: queue full")

// MAC priorities, lowest value served first.
const (
	PriorityNM  uint8 = iota // network management
	PriorityEF               // expedited forwarding
	PrioritySIG              // signalling
	PriorityAF               // assured forwarding
	PriorityBE               // best effort
)

// ParsePriority accepts the MAC QoS names or a plain number.
func ParsePriority(name string) (uint8, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "NM":
		return PriorityNM, nil
	case "EF":
		return PriorityEF, nil
	case "SIG":
		return PrioritySIG, nil
	case "AF":
		return PriorityAF, nil
	case "BE":
		return PriorityBE, nil
	}
	var p uint8
	if _, err := fmt.Sscanf(name, "%d", &p); err != nil {
		return 0, fmt.Errorf("unknown fifo priority %q", name)
	}
	return p, nil
}

// Config describes one queue.
type Config struct {
	ID          uint8
	Name        string
	Priority    uint8
	Access      dama.AccessType
	CapacityPkt int
}

// Stats is a snapshot of a queue. In, Out and Drop count events since the
// previous snapshot; Current values are live.
type Stats struct {
	CurrentPkt   int
	CurrentBytes int
	InPkt        int
	InBytes      int
	OutPkt       int
	OutBytes     int
	DropPkt      int
	DropBytes    int
}

// Fifo is a bounded FIFO of encapsulated packets. All methods are safe for
// concurrent use.
type Fifo struct {
	id       uint8
	name     string
	priority uint8
	access   dama.AccessType
	capacity int

	mu       sync.Mutex
	queue    [][]byte
	bytes    int
	newPkt   int
	newBytes int
	stats    Stats
}

// New validates cfg and returns an empty queue.
func New(cfg Config) (*Fifo, error) {
	if cfg.CapacityPkt <= 0 {
		return nil, fmt.Errorf("fifo %q: capacity must be positive", cfg.Name)
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("fifo%d", cfg.ID)
	}
	return &Fifo{
		id:       cfg.ID,
		name:     name,
		priority: cfg.Priority,
		access:   cfg.Access,
		capacity: cfg.CapacityPkt,
		queue:    make([][]byte, 0, min(cfg.CapacityPkt, 64)),
	}, nil
}

func (f *Fifo) ID() uint8                   { return f.id }
func (f *Fifo) Name() string                { return f.name }
func (f *Fifo) Priority() uint8             { return f.priority }
func (f *Fifo) AccessType() dama.AccessType { return f.access }
func (f *Fifo) Capacity() int               { return f.capacity }

// Push appends pkt. A full queue drops the packet and returns ErrFull.
func (f *Fifo) Push(pkt []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) >= f.capacity {
		f.stats.DropPkt++
		f.stats.DropBytes += len(pkt)
		return ErrFull
	}
	f.queue = append(f.queue, pkt)
	f.bytes += len(pkt)
	f.newPkt++
	f.newBytes += len(pkt)
	f.stats.InPkt++
	f.stats.InBytes += len(pkt)
	return nil
}

// PushFront puts back the remainder of a packet that was only partly sent.
// It is not counted as a new arrival.
func (f *Fifo) PushFront(pkt []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) >= f.capacity {
		return ErrFull
	}
	f.queue = slices.Insert(f.queue, 0, pkt)
	f.bytes += len(pkt)
	f.stats.OutBytes -= len(pkt)
	return nil
}

// Peek returns the head packet without removing it.
func (f *Fifo) Peek() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, false
	}
	return f.queue[0], true
}

// Pop removes and returns the head packet.
func (f *Fifo) Pop() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, false
	}
	pkt := f.queue[0]
	f.queue[0] = nil
	f.queue = f.queue[1:]
	f.bytes -= len(pkt)
	f.stats.OutPkt++
	f.stats.OutBytes += len(pkt)
	return pkt, true
}

// Flush drops every queued packet and resets all counters.
func (f *Fifo) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = f.queue[:0:0]
	f.bytes = 0
	f.newPkt = 0
	f.newBytes = 0
	f.stats = Stats{}
}

// Len returns the number of queued packets.
func (f *Fifo) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// LenBytes returns the number of queued bytes.
func (f *Fifo) LenBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytes
}

// NewArrivals returns the packets and bytes pushed since the last ResetNew.
func (f *Fifo) NewArrivals() (pkt, bytes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newPkt, f.newBytes
}

// ResetNew clears the arrival counters when the queue is funded by access.
func (f *Fifo) ResetNew(access dama.AccessType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.access != access {
		return
	}
	f.newPkt = 0
	f.newBytes = 0
}

// Stats returns the counters and resets In, Out and Drop.
func (f *Fifo) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.CurrentPkt = len(f.queue)
	s.CurrentBytes = f.bytes
	f.stats = Stats{}
	return s
}

// SortByPriority orders fifos by ascending priority value, keeping the
// configured order for equal priorities.
func SortByPriority(fifos []*Fifo) {
	slices.SortStableFunc(fifos, func(a, b *Fifo) int {
		return int(a.priority) - int(b.priority)
	})
}
