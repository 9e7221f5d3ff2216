package controller

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
)

// Strategy names accepted by Config.Strategy.
const (
	StrategyRoundRobin = "roundrobin"
	StrategyFairShare  = "fairshare"
	StrategyStub       = "stub"
)

// Config holds the NCC DAMA parameters. Capacities are in packets per frame.
type Config struct {
	GroupID dama.GroupID

	// FrameDuration is the return link frame duration.
	// Default: 53ms
	FrameDuration time.Duration
	// FramesPerSuperframe.
	// Default: 1
	FramesPerSuperframe uint32
	// PacketLength is the fixed encapsulation packet length in bytes.
	// Default: 188
	PacketLength int

	// CapacityPktpf is the total return link capacity shared by every
	// terminal of the group. Required.
	CapacityPktpf uint32
	// CarrierSizePktpf bounds the allocation of one terminal.
	// Default: CapacityPktpf
	CarrierSizePktpf uint32

	// RBDCTimeoutSf is the lifetime of an RBDC request.
	// Default: 16
	RBDCTimeoutSf uint32
	// AllocationCycleFrames scales VBDC grants into backlog drain.
	// Default: 1
	AllocationCycleFrames uint32

	// Strategy selects the allocation algorithm.
	// Default: roundrobin
	Strategy string

	// CRADecrease removes the CRA from RBDC requests before they are
	// applied.
	CRADecrease bool
	// MinVBDCPkt is granted to every VBDC requester before the rest of the
	// VBDC pass. Zero disables the first step.
	MinVBDCPkt uint32
	// FCAPktpf is the free capacity unit handed out per round-robin visit.
	// Zero disables FCA.
	FCAPktpf uint32
	// FmtID is written in time plans. Terminals with FMT 0 receive no
	// allocation.
	// Default: 1
	FmtID uint8

	// LivenessTimeoutSf logs off terminals silent for that many
	// superframes. Zero disables the check.
	LivenessTimeoutSf uint32
}

// DefaultConfig returns a Config with sensible defaults for a carrier of
// capacityPktpf.
func DefaultConfig(capacityPktpf uint32) Config {
	return Config{CapacityPktpf: capacityPktpf}.ApplyDefaults()
}

// ApplyDefaults fills zero fields with their default value.
func (c Config) ApplyDefaults() Config {
	if c.FrameDuration <= 0 {
		c.FrameDuration = 53 * time.Millisecond
	}
	if c.FramesPerSuperframe == 0 {
		c.FramesPerSuperframe = 1
	}
	if c.PacketLength <= 0 {
		c.PacketLength = 188
	}
	if c.CarrierSizePktpf == 0 {
		c.CarrierSizePktpf = c.CapacityPktpf
	}
	if c.RBDCTimeoutSf == 0 {
		c.RBDCTimeoutSf = 16
	}
	if c.AllocationCycleFrames == 0 {
		c.AllocationCycleFrames = 1
	}
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if c.FmtID == 0 {
		c.FmtID = 1
	}
	return c
}

// Validate reports configuration errors that ApplyDefaults cannot fix.
func (c Config) Validate() error {
	if c.CapacityPktpf == 0 {
		return fmt.Errorf("controller: capacity must be positive")
	}
	if c.CarrierSizePktpf > c.CapacityPktpf {
		return fmt.Errorf("controller: carrier size %d exceeds capacity %d", c.CarrierSizePktpf, c.CapacityPktpf)
	}
	if _, err := newStrategy(c.Strategy); err != nil {
		return err
	}
	return nil
}
