package agent

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
)

// Config holds the terminal side DAMA parameters. Rates are in kbit/s,
// volumes in packets and durations in superframes unless stated otherwise.
type Config struct {
	TalID dama.TalID

	// FrameDuration is the return link frame duration.
	// Default: 53ms
	FrameDuration time.Duration
	// FramesPerSuperframe.
	// Default: 1
	FramesPerSuperframe uint32
	// PacketLength is the fixed encapsulation packet length in bytes.
	// Default: 188
	PacketLength int

	CRAKbps     uint32
	MaxRBDCKbps uint32
	MaxVBDCPkt  uint32

	// RBDCTimeoutSf mirrors the NCC RBDC timeout and drives the send policy.
	// Default: 16
	RBDCTimeoutSf uint32
	// MSLSf is the minimum scheduling latency.
	// Default: 23
	MSLSf uint32
	// OBRPeriodSf is the number of superframes between two SACs.
	// Default: 1
	OBRPeriodSf uint32

	// CarrierCapacityPktpf bounds a valid TTP assignment, normally the NCC
	// carrier size. Zero disables the check.
	CarrierCapacityPktpf uint32

	DisableRBDC bool
	DisableVBDC bool
}

// DefaultConfig returns a Config with sensible defaults for talID.
func DefaultConfig(talID dama.TalID) Config {
	return Config{TalID: talID}.ApplyDefaults()
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
	if c.RBDCTimeoutSf == 0 {
		c.RBDCTimeoutSf = 16
	}
	if c.MSLSf == 0 {
		c.MSLSf = 23
	}
	if c.OBRPeriodSf == 0 {
		c.OBRPeriodSf = 1
	}
	return c
}

// Validate reports configuration errors that ApplyDefaults cannot fix.
func (c Config) Validate() error {
	// logon request fields are 16 bits wide
	if c.CRAKbps > 0xffff || c.MaxRBDCKbps > 0xffff {
		return fmt.Errorf("agent %s: CRA %d / max RBDC %d kbit/s do not fit a logon request", c.TalID, c.CRAKbps, c.MaxRBDCKbps)
	}
	if c.OBRPeriodSf > c.MSLSf {
		return fmt.Errorf("agent %s: OBR period (%d sf) exceeds MSL (%d sf)", c.TalID, c.OBRPeriodSf, c.MSLSf)
	}
	return nil
}

// historySize is the number of OBR periods in one MSL window.
func (c Config) historySize() int {
	return int(c.MSLSf / c.OBRPeriodSf)
}
