// Package terminal implements the per-terminal DAMA bookkeeping kept by the
// NCC: the fixed CRA rate, the RBDC request with its credit and timeout, the
// VBDC backlog and the allocations granted during the current superframe.
//
// A Context is not safe for concurrent use; the controller serialises every
// access behind its own lock.
package terminal

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
)

// Config sizes a terminal context. All rates are in packets per frame and
// volumes in packets; conversion from kbit/s happens in the controller.
type Config struct {
	TalID                 dama.TalID
	GroupID               dama.GroupID
	CRAPktpf              uint32
	MaxRBDCPktpf          uint32
	RBDCTimeoutSf         uint32
	MaxVBDCPkt            uint32
	CarrierSizePktpf      uint32
	AllocationCycleFrames uint32
	FmtID                 uint8
}

// Context is the DAMA state of one logged-on terminal.
type Context struct {
	talID   dama.TalID
	groupID dama.GroupID
	fmtID   uint8

	carrierSize uint32
	cycle       uint32

	craPktpf      uint32
	maxRBDCPktpf  uint32
	rbdcTimeoutSf uint32
	maxVBDCPkt    uint32

	rbdcRequest uint32
	rbdcCredit  float64
	timerSf     uint32
	vbdcRequest uint32

	rbdcAlloc   uint32
	vbdcAlloc   uint32
	fcaAlloc    uint32
	vbdcDrained uint32
}

// New creates a context in the "timer expired" state with no pending request.
// The CRA is capped to the carrier size.
func New(cfg Config) (*Context, error) {
	if cfg.CarrierSizePktpf == 0 {
		return nil, fmt.Errorf("terminal %s: carrier size must be positive", cfg.TalID)
	}
	cycle := cfg.AllocationCycleFrames
	if cycle == 0 {
		cycle = 1
	}
	c := &Context{
		talID:         cfg.TalID,
		groupID:       cfg.GroupID,
		fmtID:         cfg.FmtID,
		carrierSize:   cfg.CarrierSizePktpf,
		cycle:         cycle,
		maxRBDCPktpf:  cfg.MaxRBDCPktpf,
		rbdcTimeoutSf: cfg.RBDCTimeoutSf,
		maxVBDCPkt:    cfg.MaxVBDCPkt,
	}
	c.SetCRA(cfg.CRAPktpf)
	return c, nil
}

func (c *Context) TalID() dama.TalID     { return c.talID }
func (c *Context) GroupID() dama.GroupID { return c.groupID }
func (c *Context) FmtID() uint8          { return c.fmtID }
func (c *Context) CarrierSize() uint32   { return c.carrierSize }

// AllocationCycle is the number of frames one grant applies to.
func (c *Context) AllocationCycle() uint32 { return c.cycle }

// SetGroupID moves the terminal to another group (duplicate logon).
func (c *Context) SetGroupID(id dama.GroupID) { c.groupID = id }

// CRA returns the fixed allocation in packets per frame.
func (c *Context) CRA() uint32 { return c.craPktpf }

// SetCRA updates the fixed allocation, capped to the carrier size.
func (c *Context) SetCRA(pktpf uint32) {
	c.craPktpf = min(pktpf, c.carrierSize)
}

func (c *Context) MaxRBDC() uint32 { return c.maxRBDCPktpf }

// SetMaxRBDC updates the RBDC ceiling. A pending request above the new
// ceiling is lowered to it.
func (c *Context) SetMaxRBDC(pktpf uint32) {
	c.maxRBDCPktpf = pktpf
	c.rbdcRequest = min(c.rbdcRequest, pktpf)
}

func (c *Context) RBDCTimeout() uint32 { return c.rbdcTimeoutSf }

// SetRBDCTimeout changes the timeout applied by the next SetRequiredRBDC.
func (c *Context) SetRBDCTimeout(sf uint32) { c.rbdcTimeoutSf = sf }

// Timer returns the remaining superframes before the RBDC request expires.
func (c *Context) Timer() uint32 { return c.timerSf }

// SetRequiredRBDC records a new RBDC request clamped to the ceiling, rearms
// the timeout and clears the credit.
func (c *Context) SetRequiredRBDC(pktpf uint32) {
	c.rbdcRequest = min(pktpf, c.maxRBDCPktpf)
	c.rbdcCredit = 0
	c.timerSf = c.rbdcTimeoutSf
}

// RequiredRBDC returns the current RBDC request in packets per frame.
func (c *Context) RequiredRBDC() uint32 { return c.rbdcRequest }

// AddRBDCCredit adds a (possibly negative) fractional credit.
func (c *Context) AddRBDCCredit(pktpf float64) {
	c.rbdcCredit = math.Max(0, c.rbdcCredit+pktpf)
}

func (c *Context) RBDCCredit() float64 { return c.rbdcCredit }

func (c *Context) MaxVBDC() uint32 { return c.maxVBDCPkt }

// SetMaxVBDC updates the VBDC ceiling and trims the backlog to it.
func (c *Context) SetMaxVBDC(pkt uint32) {
	c.maxVBDCPkt = pkt
	c.vbdcRequest = min(c.vbdcRequest, pkt)
}

// SetRequiredVBDC adds new volume demand, saturating at the ceiling.
func (c *Context) SetRequiredVBDC(deltaPkt uint32) {
	sum := uint64(c.vbdcRequest) + uint64(deltaPkt)
	c.vbdcRequest = uint32(min(sum, uint64(c.maxVBDCPkt)))
}

// VBDCRequest returns the outstanding VBDC volume in packets.
func (c *Context) VBDCRequest() uint32 { return c.vbdcRequest }

// RequiredVBDC returns the outstanding VBDC volume spread over the
// allocation cycle, in packets per frame.
func (c *Context) RequiredVBDC() uint32 {
	return (c.vbdcRequest + c.cycle - 1) / c.cycle
}

// SetAllocation grants amount packets per frame of the given category and
// returns what was actually granted: never more than the remaining headroom
// of the carrier. A VBDC grant drains the backlog by amount times the
// allocation cycle, floored at zero. CRA is fixed and cannot be granted.
func (c *Context) SetAllocation(amount uint32, kind dama.Category) uint32 {
	amount = min(amount, c.Headroom())
	switch kind {
	case dama.CategoryRBDC:
		c.rbdcAlloc += amount
	case dama.CategoryVBDC:
		c.vbdcAlloc += amount
		drain := uint64(amount) * uint64(c.cycle)
		if drain >= uint64(c.vbdcRequest) {
			c.vbdcDrained += c.vbdcRequest
			c.vbdcRequest = 0
		} else {
			c.vbdcDrained += uint32(drain)
			c.vbdcRequest -= uint32(drain)
		}
	case dama.CategoryFCA:
		c.fcaAlloc += amount
	default:
		return 0
	}
	return amount
}

func (c *Context) RBDCAllocation() uint32 { return c.rbdcAlloc }
func (c *Context) VBDCAllocation() uint32 { return c.vbdcAlloc }
func (c *Context) FCAAllocation() uint32  { return c.fcaAlloc }

// TotalRateAllocation is rbdc + fca + cra, in packets per frame.
func (c *Context) TotalRateAllocation() uint32 {
	return c.rbdcAlloc + c.fcaAlloc + c.craPktpf
}

// TotalAllocation adds the VBDC volume granted this superframe to the rate
// allocation.
func (c *Context) TotalAllocation() uint32 {
	return c.TotalRateAllocation() + c.vbdcAlloc
}

// Headroom is what can still be granted to the terminal this superframe.
func (c *Context) Headroom() uint32 {
	used := c.TotalAllocation()
	if used >= c.carrierSize {
		return 0
	}
	return c.carrierSize - used
}

// OnStartOfSuperframe ages the RBDC request. While the timer runs a whole
// unit of credit is converted into one more request unit, bounded by the
// ceiling; when it expires the request and credit are cleared. The
// allocations of the previous superframe are reset in both cases.
func (c *Context) OnStartOfSuperframe() {
	if c.timerSf > 0 {
		c.timerSf--
	}
	if c.timerSf > 0 {
		if c.rbdcCredit >= 1.0 && c.rbdcRequest < c.maxRBDCPktpf {
			c.rbdcCredit -= 1.0
			c.rbdcRequest++
		}
	} else {
		c.rbdcRequest = 0
		c.rbdcCredit = 0
	}
	c.ResetAllocations()
}

// ResetAllocations clears the RBDC, VBDC and FCA grants of the current
// superframe. The VBDC backlog drained by those grants is not restored.
func (c *Context) ResetAllocations() {
	c.rbdcAlloc = 0
	c.vbdcAlloc = 0
	c.fcaAlloc = 0
	c.vbdcDrained = 0
}

// Rollback cancels the grants of the current superframe and gives the
// drained VBDC volume back to the backlog.
func (c *Context) Rollback() {
	c.vbdcRequest += c.vbdcDrained
	c.ResetAllocations()
}

// Snapshot is a read-only copy of a context, safe to hand out of the
// controller lock.
type Snapshot struct {
	TalID          dama.TalID
	GroupID        dama.GroupID
	CRAPktpf       uint32
	MaxRBDCPktpf   uint32
	RBDCRequest    uint32
	RBDCCredit     float64
	TimerSf        uint32
	MaxVBDCPkt     uint32
	VBDCRequest    uint32
	RBDCAllocation uint32
	VBDCAllocation uint32
	FCAAllocation  uint32
	CarrierSize    uint32
}

// Snapshot copies the current state.
func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		TalID:          c.talID,
		GroupID:        c.groupID,
		CRAPktpf:       c.craPktpf,
		MaxRBDCPktpf:   c.maxRBDCPktpf,
		RBDCRequest:    c.rbdcRequest,
		RBDCCredit:     c.rbdcCredit,
		TimerSf:        c.timerSf,
		MaxVBDCPkt:     c.maxVBDCPkt,
		VBDCRequest:    c.vbdcRequest,
		RBDCAllocation: c.rbdcAlloc,
		VBDCAllocation: c.vbdcAlloc,
		FCAAllocation:  c.fcaAlloc,
		CarrierSize:    c.carrierSize,
	}
}
