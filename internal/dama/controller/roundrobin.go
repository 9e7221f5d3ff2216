package controller

import "github.com/signalsfoundry/opensand-dama/internal/dama"

// roundRobin grants one packet per frame at a time, visiting terminals in
// turn from where the previous superframe stopped.
type roundRobin struct{}

func (roundRobin) Name() string { return StrategyRoundRobin }

func (roundRobin) Allocate(p *Pass) {
	p.roundRobin(&p.ptrs.rbdc, dama.CategoryRBDC, 1, rbdcNeed)
	p.vbdcPass()
	p.fcaPass()
}
