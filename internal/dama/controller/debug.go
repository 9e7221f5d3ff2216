package controller

import (
	"fmt"
	"strings"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
)

// DumpTerminal returns debug info for one logged-on terminal.
func (c *Controller) DumpTerminal(id dama.TalID) (string, error) {
	snap, ok := c.Terminal(id)
	if !ok {
		return "", fmt.Errorf("terminal %s: %w", id, ErrUnknownTerminal)
	}

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("Terminal %s:\n", snap.TalID))
	buf.WriteString(fmt.Sprintf("  Group: %d\n", snap.GroupID))
	buf.WriteString(fmt.Sprintf("  CRA: %d pktpf\n", snap.CRAPktpf))
	buf.WriteString(fmt.Sprintf("  RBDC: request %d/%d pktpf, credit %.2f, timer %d sf\n",
		snap.RBDCRequest, snap.MaxRBDCPktpf, snap.RBDCCredit, snap.TimerSf))
	buf.WriteString(fmt.Sprintf("  VBDC: backlog %d/%d pkt\n", snap.VBDCRequest, snap.MaxVBDCPkt))
	buf.WriteString(fmt.Sprintf("  Allocation: rbdc %d, vbdc %d, fca %d pktpf (carrier %d)\n",
		snap.RBDCAllocation, snap.VBDCAllocation, snap.FCAAllocation, snap.CarrierSize))
	return buf.String(), nil
}

// Dump returns a summary of the controller and of every terminal.
func (c *Controller) Dump() string {
	stats := c.Stats()
	terms := c.Terminals()

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("Controller: group %d, strategy %s, capacity %d pktpf\n",
		c.cfg.GroupID, c.strategy.Name(), c.cfg.CapacityPktpf))
	buf.WriteString(fmt.Sprintf("Superframe: %d\n", stats.Superframe))
	buf.WriteString(fmt.Sprintf("Allocated: cra %d, rbdc %d, vbdc %d, fca %d pktpf\n",
		stats.CRAPktpf, stats.RBDCPktpf, stats.VBDCPktpf, stats.FCAPktpf))
	if len(terms) == 0 {
		buf.WriteString("  (no terminals)\n")
		return buf.String()
	}
	buf.WriteString("Terminals:\n")
	for _, t := range terms {
		buf.WriteString(fmt.Sprintf("  - %s: cra %d, rbdc %d/%d, vbdc %d (backlog %d), fca %d\n",
			t.TalID, t.CRAPktpf, t.RBDCAllocation, t.RBDCRequest, t.VBDCAllocation, t.VBDCRequest, t.FCAAllocation))
	}
	return buf.String()
}
