package controller

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/terminal"
)

// ErrCapacityOvercommit is returned when an allocation pass, or a CRA
// change, would grant more than the configured capacity.
var ErrCapacityOvercommit = errors.New("capacity overcommitted")

// Strategy distributes the dynamic capacity of one superframe. Strategies
// grant only through Pass.Grant and never see the controller lock.
type Strategy interface {
	Name() string
	Allocate(p *Pass)
}

func newStrategy(name string) (Strategy, error) {
	switch name {
	case StrategyRoundRobin:
		return roundRobin{}, nil
	case StrategyFairShare:
		return fairShare{}, nil
	case StrategyStub:
		return stub{}, nil
	}
	return nil, fmt.Errorf("controller: unknown strategy %q", name)
}

// pointers are the round-robin start positions. They hold terminal ids, not
// indexes, so logons and logoffs do not shift them.
type pointers struct {
	rbdc dama.TalID
	vbdc dama.TalID
	fca  dama.TalID
}

// Pass is the state of one allocation pass.
type Pass struct {
	// Terminals are ordered by terminal id.
	Terminals []*terminal.Context

	capacity  uint32
	used      uint32
	ptrs      *pointers
	minVBDC   uint32
	fcaUnit   uint32
	fairShare float64
}

// Capacity is the dynamic capacity of the pass: the total minus the CRA of
// every terminal.
func (p *Pass) Capacity() uint32 { return p.capacity }

// Remaining is the dynamic capacity not granted yet.
func (p *Pass) Remaining() uint32 { return p.capacity - p.used }

// Grant gives t up to amount packets per frame of kind, bounded by the
// remaining capacity and the terminal headroom, and returns what was
// granted.
func (p *Pass) Grant(t *terminal.Context, amount uint32, kind dama.Category) uint32 {
	amount = min(amount, p.Remaining())
	if amount == 0 {
		return 0
	}
	granted := t.SetAllocation(amount, kind)
	p.used += granted
	return granted
}

// startIndex is the position of the first terminal whose id is at least
// ptr, wrapping to 0.
func (p *Pass) startIndex(ptr dama.TalID) int {
	for i, t := range p.Terminals {
		if t.TalID() >= ptr {
			return i
		}
	}
	return 0
}

// roundRobin grants up to unit packets at a time to every terminal with a
// need, starting at *ptr, until needs or capacity are exhausted. The pointer
// is left on the terminal after the last one served.
func (p *Pass) roundRobin(ptr *dama.TalID, kind dama.Category, unit uint32, need func(*terminal.Context) uint32) {
	n := len(p.Terminals)
	if n == 0 || unit == 0 {
		return
	}
	start := p.startIndex(*ptr)
	last := -1
	for progress := true; progress && p.Remaining() > 0; {
		progress = false
		for k := 0; k < n && p.Remaining() > 0; k++ {
			i := (start + k) % n
			t := p.Terminals[i]
			want := min(need(t), unit)
			if want == 0 {
				continue
			}
			if p.Grant(t, want, kind) > 0 {
				progress = true
				last = i
			}
		}
	}
	if last >= 0 {
		*ptr = p.Terminals[(last+1)%n].TalID()
	}
}

func rbdcNeed(t *terminal.Context) uint32 {
	if t.RequiredRBDC() <= t.RBDCAllocation() {
		return 0
	}
	return t.RequiredRBDC() - t.RBDCAllocation()
}

func vbdcNeed(t *terminal.Context) uint32 { return t.RequiredVBDC() }

func fcaNeed(t *terminal.Context) uint32 { return t.Headroom() }

// vbdcPass runs the optional minimum VBDC step and then the round-robin VBDC
// pass.
func (p *Pass) vbdcPass() {
	p.vbdcMinStep()
	p.roundRobin(&p.ptrs.vbdc, dama.CategoryVBDC, 1, vbdcNeed)
}

// vbdcMinStep grants every VBDC requester up to the configured minimum
// before the backlogs compete for the rest.
func (p *Pass) vbdcMinStep() {
	if p.minVBDC == 0 {
		return
	}
	ptr := p.ptrs.vbdc
	p.roundRobin(&ptr, dama.CategoryVBDC, 1, func(t *terminal.Context) uint32 {
		if t.VBDCAllocation() >= p.minVBDC {
			return 0
		}
		return min(vbdcNeed(t), p.minVBDC-t.VBDCAllocation())
	})
}

func (p *Pass) fcaPass() {
	if p.fcaUnit == 0 {
		return
	}
	p.roundRobin(&p.ptrs.fca, dama.CategoryFCA, p.fcaUnit, fcaNeed)
}

// runHarness runs s and checks the result: the sum of every allocation,
// CRA included, stays within capacity and no terminal exceeds its carrier.
// A failing pass is rolled back entirely.
func runHarness(s Strategy, p *Pass, totalCapacity uint32) error {
	s.Allocate(p)

	var sum uint64
	var err error
	for _, t := range p.Terminals {
		total := t.TotalAllocation()
		sum += uint64(total)
		if total > t.CarrierSize() {
			err = fmt.Errorf("%s: terminal %s allocated %d, carrier %d: %w",
				s.Name(), t.TalID(), total, t.CarrierSize(), ErrCapacityOvercommit)
			break
		}
	}
	if err == nil && sum > uint64(totalCapacity) {
		err = fmt.Errorf("%s: allocated %d, capacity %d: %w", s.Name(), sum, totalCapacity, ErrCapacityOvercommit)
	}
	if err != nil {
		for _, t := range p.Terminals {
			t.Rollback()
		}
		return err
	}
	return nil
}
