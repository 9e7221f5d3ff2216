package controller

import (
	"cmp"
	"math"
	"slices"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/terminal"
)

// fairShare scales every RBDC request by the ratio of total demand to
// capacity. The fractional parts accumulate as RBDC credit, and terminals
// holding more than one unit of credit are served first when distributing
// the rounding remainder. VBDC serves the largest backlogs first.
type fairShare struct{}

func (fairShare) Name() string { return StrategyFairShare }

func (fairShare) Allocate(p *Pass) {
	p.fairShareRBDC()

	p.vbdcMinStep()
	byBacklog := slices.Clone(p.Terminals)
	slices.SortStableFunc(byBacklog, func(a, b *terminal.Context) int {
		return cmp.Compare(vbdcNeed(b), vbdcNeed(a))
	})
	for _, t := range byBacklog {
		if p.Remaining() == 0 {
			break
		}
		p.Grant(t, vbdcNeed(t), dama.CategoryVBDC)
	}

	p.fcaPass()
}

func (p *Pass) fairShareRBDC() {
	var total uint64
	for _, t := range p.Terminals {
		total += uint64(rbdcNeed(t))
	}
	if total == 0 || p.Remaining() == 0 {
		return
	}
	share := float64(total) / float64(p.Remaining())
	p.fairShare = share
	if share < 1 {
		share = 1
	}

	for _, t := range p.Terminals {
		fair := float64(rbdcNeed(t)) / share
		whole := math.Floor(fair)
		p.Grant(t, uint32(whole), dama.CategoryRBDC)
		if share > 1 {
			t.AddRBDCCredit(fair - whole)
		}
	}
	if share <= 1 {
		return
	}

	byCredit := slices.Clone(p.Terminals)
	slices.SortStableFunc(byCredit, func(a, b *terminal.Context) int {
		return cmp.Compare(b.RBDCCredit(), a.RBDCCredit())
	})
	for _, t := range byCredit {
		if p.Remaining() == 0 {
			break
		}
		if t.RBDCCredit() > 1 && rbdcNeed(t) > 0 && p.Grant(t, 1, dama.CategoryRBDC) > 0 {
			t.AddRBDCCredit(-1)
		}
	}
	p.roundRobin(&p.ptrs.rbdc, dama.CategoryRBDC, 1, rbdcNeed)
}
