package dama

import (
	"errors"
	"fmt"
	"time"
)

// Converter translates between kbit/s, kbits and packets for a fixed frame
// duration and encapsulation packet length. DAMA computations run in
// packets per frame (pktpf); the wire and configuration use kbit/s.
type Converter struct {
	frame     time.Duration
	frameUS   uint64
	packetLen int
	pktBits   uint64
}

// NewConverter validates the frame duration and packet length.
func NewConverter(frame time.Duration, packetLenBytes int) (Converter, error) {
	if frame < time.Microsecond {
		return Converter{}, errors.New("frame duration must be at least 1µs")
	}
	if packetLenBytes <= 0 {
		return Converter{}, fmt.Errorf("packet length %d must be positive", packetLenBytes)
	}
	return Converter{
		frame:     frame,
		frameUS:   uint64(frame / time.Microsecond),
		packetLen: packetLenBytes,
		pktBits:   uint64(packetLenBytes) * 8,
	}, nil
}

// FrameDuration returns the frame duration.
func (c Converter) FrameDuration() time.Duration { return c.frame }

// PacketLength returns the packet length in bytes.
func (c Converter) PacketLength() int { return c.packetLen }

// KbpsToPktpf converts a rate to packets per frame, rounding up so the
// converted rate is never below the requested one.
func (c Converter) KbpsToPktpf(kbps uint32) uint32 {
	// kbit/s == bit/ms, so bits per frame = kbps * frame_us / 1000.
	return uint32(ceilDiv(uint64(kbps)*c.frameUS, 1000*c.pktBits))
}

// PktpfToKbps converts packets per frame to kbit/s, rounding down.
func (c Converter) PktpfToKbps(pktpf uint32) uint32 {
	if c.frameUS == 0 {
		return 0
	}
	return uint32(uint64(pktpf) * c.pktBits * 1000 / c.frameUS)
}

// KbitsToPkt converts a volume in kbits to packets, rounding up.
func (c Converter) KbitsToPkt(kb uint32) uint32 {
	return uint32(ceilDiv(uint64(kb)*1000, c.pktBits))
}

// PktToKbits converts a packet count to kbits, rounding up.
func (c Converter) PktToKbits(pkt uint32) uint32 {
	return uint32(ceilDiv(uint64(pkt)*c.pktBits, 1000))
}

// PktToBits converts a packet count to bits.
func (c Converter) PktToBits(pkt uint32) uint64 {
	return uint64(pkt) * c.pktBits
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
