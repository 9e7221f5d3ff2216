package controller

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/logging"
)

// pepRBDCTimeoutSf keeps an injected RBDC request alive long enough for the
// session that asked for it to start.
const pepRBDCTimeoutSf = 100

// PEPCommand is a resource request from a policy enforcement point. Zero
// fields are left unchanged.
type PEPCommand struct {
	TalID       dama.TalID
	CRAKbps     uint32
	MaxRBDCKbps uint32
	RBDCKbps    uint32
}

// ApplyPEP updates the CRA and the RBDC ceiling of a terminal and can
// inject an RBDC request on its behalf. Nothing is changed on error.
func (c *Controller) ApplyPEP(ctx context.Context, cmd PEPCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.terminals[cmd.TalID]
	if !ok {
		return fmt.Errorf("PEP command for %s: %w", cmd.TalID, ErrUnknownTerminal)
	}
	if cmd.CRAKbps != 0 {
		cra := min(c.conv.KbpsToPktpf(cmd.CRAKbps), t.CarrierSize())
		if err := c.admitCRALocked(cmd.TalID, cra); err != nil {
			return err
		}
	}

	log := c.log.With(logging.TalID(uint16(cmd.TalID)))
	if cmd.CRAKbps != 0 {
		t.SetCRA(c.conv.KbpsToPktpf(cmd.CRAKbps))
		log.Info(ctx, "PEP updated CRA", logging.Uint32("cra_kbps", cmd.CRAKbps))
	}
	if cmd.MaxRBDCKbps != 0 {
		t.SetMaxRBDC(c.conv.KbpsToPktpf(cmd.MaxRBDCKbps))
		log.Info(ctx, "PEP updated max RBDC", logging.Uint32("max_rbdc_kbps", cmd.MaxRBDCKbps))
	}
	if cmd.RBDCKbps != 0 {
		timeout := t.RBDCTimeout()
		t.SetRBDCTimeout(pepRBDCTimeoutSf)
		t.SetRequiredRBDC(c.conv.KbpsToPktpf(cmd.RBDCKbps))
		t.SetRBDCTimeout(timeout)
		log.Info(ctx, "PEP injected RBDC request", logging.Uint32("rbdc_kbps", cmd.RBDCKbps))
	}
	return nil
}
