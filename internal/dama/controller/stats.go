package controller

import (
	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/terminal"
	"github.com/signalsfoundry/opensand-dama/internal/observability"
)

// Stats summarises one superframe at the NCC. Requests are counted before
// the allocation pass; allocations are in packets per frame.
type Stats struct {
	Superframe      uint32
	LoggedTerminals int

	RBDCRequests       int
	RBDCRequestSumPkt  uint32
	RBDCRequestSumKbps uint32
	VBDCRequests       int
	VBDCRequestSumPkt  uint32

	CRAPktpf  uint32
	RBDCPktpf uint32
	VBDCPktpf uint32
	FCAPktpf  uint32

	// FairShare is the RBDC demand over the capacity left for RBDC. It is
	// only computed by the fairshare strategy.
	FairShare float64
}

// Total is the allocation of every category.
func (s Stats) Total() uint32 {
	return s.CRAPktpf + s.RBDCPktpf + s.VBDCPktpf + s.FCAPktpf
}

func (s *Stats) countRequests(terminals []*terminal.Context) {
	for _, t := range terminals {
		if r := t.RequiredRBDC(); r > 0 {
			s.RBDCRequests++
			s.RBDCRequestSumPkt += r
		}
		if r := t.VBDCRequest(); r > 0 {
			s.VBDCRequests++
			s.VBDCRequestSumPkt += r
		}
	}
}

func (s *Stats) countAllocations(terminals []*terminal.Context) {
	for _, t := range terminals {
		s.CRAPktpf += t.CRA()
		s.RBDCPktpf += t.RBDCAllocation()
		s.VBDCPktpf += t.VBDCAllocation()
		s.FCAPktpf += t.FCAAllocation()
	}
}

func (s Stats) export(m *observability.ControllerCollector, conv dama.Converter) {
	if m == nil {
		return
	}
	m.SetLoggedTerminals(s.LoggedTerminals)
	m.SetAllocation(dama.CategoryCRA.String(), float64(conv.PktpfToKbps(s.CRAPktpf)))
	m.SetAllocation(dama.CategoryRBDC.String(), float64(conv.PktpfToKbps(s.RBDCPktpf)))
	m.SetAllocation(dama.CategoryVBDC.String(), float64(conv.PktpfToKbps(s.VBDCPktpf)))
	m.SetAllocation(dama.CategoryFCA.String(), float64(conv.PktpfToKbps(s.FCAPktpf)))
	m.SetRequestSum("rbdc", float64(s.RBDCRequestSumKbps))
	m.SetRequestSum("vbdc", float64(s.VBDCRequestSumPkt))
	m.SetFairShare(s.FairShare)
}
