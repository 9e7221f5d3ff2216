package sim

import (
	"time"

	"github.com/signalsfoundry/opensand-dama/internal/dama/fifo"
)

// TrafficSpec describes the load offered to one queue of a terminal. A
// positive RateKbps is a constant bit rate between Start and Stop; BurstPkt
// packets are queued at once at Start.
type TrafficSpec struct {
	Fifo     string
	RateKbps uint32
	BurstPkt int
	// Start and Stop are offsets from the simulation start. A zero Stop
	// never stops.
	Start time.Duration
	Stop  time.Duration
}

// TrafficSource queues fixed length packets into a fifo.
type TrafficSource struct {
	fifo      *fifo.Fifo
	spec      TrafficSpec
	start     time.Time
	stop      time.Time
	frameUS   uint64
	packetLen int

	// acc counts bits times 1000 so that no fraction is lost between
	// frames.
	acc uint64
}

// NewTrafficSource binds spec to f for a simulation starting at simStart.
func NewTrafficSource(f *fifo.Fifo, spec TrafficSpec, simStart time.Time, frame time.Duration, packetLen int) *TrafficSource {
	s := &TrafficSource{
		fifo:      f,
		spec:      spec,
		start:     simStart.Add(spec.Start),
		frameUS:   uint64(frame / time.Microsecond),
		packetLen: packetLen,
	}
	if spec.Stop > 0 {
		s.stop = simStart.Add(spec.Stop)
	}
	return s
}

// Fifo returns the queue fed by the source.
func (s *TrafficSource) Fifo() *fifo.Fifo { return s.fifo }

// Spec returns the traffic description.
func (s *TrafficSource) Spec() TrafficSpec { return s.spec }

// StartTime is the simulation time of the first packet.
func (s *TrafficSource) StartTime() time.Time { return s.start }

func (s *TrafficSource) active(now time.Time) bool {
	if now.Before(s.start) {
		return false
	}
	return s.stop.IsZero() || now.Before(s.stop)
}

// Generate queues the packets produced during the frame starting at now
// and returns how many were offered and how many the full queue refused.
func (s *TrafficSource) Generate(now time.Time) (offered, refused int) {
	if s.spec.RateKbps == 0 || !s.active(now) {
		return 0, 0
	}
	// kbit/s is bit/ms: bits per frame times 1000 is rate times frame µs.
	s.acc += uint64(s.spec.RateKbps) * s.frameUS
	unit := uint64(s.packetLen) * 8 * 1000
	for s.acc >= unit {
		s.acc -= unit
		offered++
		if err := s.fifo.Push(make([]byte, s.packetLen)); err != nil {
			refused++
		}
	}
	return offered, refused
}

// Burst queues n packets at once.
func (s *TrafficSource) Burst(n int) (refused int) {
	for i := 0; i < n; i++ {
		if err := s.fifo.Push(make([]byte, s.packetLen)); err != nil {
			refused++
		}
	}
	return refused
}
