// Package agent implements the terminal side of DAMA: it turns local queue
// occupancy into SAC capacity requests, follows the allocation granted by
// the NCC time plans and schedules queued packets into return link bursts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/fifo"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
	"github.com/signalsfoundry/opensand-dama/internal/logging"
	"github.com/signalsfoundry/opensand-dama/internal/observability"
)

var (
	// ErrNotLoggedOn is returned for SAC and TTP handling before the NCC
	// accepted the logon.
	ErrNotLoggedOn = errors.New("terminal not logged on")
	// ErrAllocationExceedsCarrier rejects a time plan granting more than the
	// uplink carrier can carry.
	ErrAllocationExceedsCarrier = errors.New("allocation exceeds carrier capacity")
	// ErrGroupMismatch rejects a time plan addressed to another group.
	ErrGroupMismatch = errors.New("group id mismatch")
	// ErrWrongTerminal rejects a logon response for another terminal.
	ErrWrongTerminal = errors.New("message addressed to another terminal")
)

// Agent is the DAMA agent of one terminal. All methods are safe for
// concurrent use; the queues have their own locks.
type Agent struct {
	cfg     Config
	conv    dama.Converter
	codec   dvb.Codec
	log     logging.Logger
	metrics *observability.AgentCollector

	// sorted by priority, lowest value first
	fifos []*fifo.Fifo

	mu         sync.Mutex
	loggedOn   bool
	groupID    dama.GroupID
	logonID    uint16
	superframe uint32
	cni        float64

	rbdcTimer    uint32
	rbdcHistory  *CircularBuffer
	lastRBDCKbps uint32
	vbdcCredit   uint32

	// allocated is taken from the last TTP and becomes dynamic on the
	// next SOF; remaining is refilled from dynamic on every frame tick.
	allocated uint32
	dynamic   uint32
	remaining uint32
	modcod    uint8
}

// Option customises an Agent.
type Option func(*Agent)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics records agent metrics in c.
func WithMetrics(c *observability.AgentCollector) Option {
	return func(a *Agent) { a.metrics = c }
}

// WithCodec sets the codec used by HandleMessage.
func WithCodec(c dvb.Codec) Option {
	return func(a *Agent) { a.codec = c }
}

// New creates an agent serving fifos. cfg is completed with ApplyDefaults.
func New(cfg Config, fifos []*fifo.Fifo, opts ...Option) (*Agent, error) {
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conv, err := dama.NewConverter(cfg.FrameDuration, cfg.PacketLength)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", cfg.TalID, err)
	}
	sorted := append([]*fifo.Fifo(nil), fifos...)
	fifo.SortByPriority(sorted)

	a := &Agent{
		cfg:         cfg,
		conv:        conv,
		log:         logging.Noop(),
		fifos:       sorted,
		cni:         dvb.DefaultCNI,
		rbdcHistory: NewCircularBuffer(cfg.historySize()),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(logging.TalID(uint16(cfg.TalID)))
	return a, nil
}

// TalID returns the terminal id.
func (a *Agent) TalID() dama.TalID { return a.cfg.TalID }

// Config returns the effective configuration.
func (a *Agent) Config() Config { return a.cfg }

// Fifos returns the served queues in scheduling order.
func (a *Agent) Fifos() []*fifo.Fifo { return append([]*fifo.Fifo(nil), a.fifos...) }

// LoggedOn reports whether a logon response was accepted.
func (a *Agent) LoggedOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loggedOn
}

// SetCNI records the forward link C/N reported in the next SACs.
func (a *Agent) SetCNI(cni float64) {
	a.mu.Lock()
	a.cni = cni
	a.mu.Unlock()
}

// LogonRequest builds the logon request announcing the terminal rates.
func (a *Agent) LogonRequest() *dvb.LogonRequest {
	maxVBDC := a.conv.PktToKbits(a.cfg.MaxVBDCPkt)
	return &dvb.LogonRequest{
		MAC:         uint16(a.cfg.TalID),
		RTBandwidth: uint16(a.cfg.CRAKbps),
		MaxRBDC:     uint16(a.cfg.MaxRBDCKbps),
		MaxVBDC:     uint16(min(maxVBDC, math.MaxUint16)),
	}
}

// HandleLogonResponse records the group and logon id granted by the NCC.
func (a *Agent) HandleLogonResponse(ctx context.Context, resp *dvb.LogonResponse) error {
	if resp.MAC != uint16(a.cfg.TalID) {
		return fmt.Errorf("logon response for MAC %d: %w", resp.MAC, ErrWrongTerminal)
	}
	a.mu.Lock()
	a.loggedOn = true
	a.groupID = dama.GroupID(resp.GroupID)
	a.logonID = resp.LogonID
	a.mu.Unlock()

	a.log.Info(ctx, "logged on",
		logging.Int("group_id", int(resp.GroupID)),
		logging.Int("logon_id", int(resp.LogonID)),
	)
	return nil
}

// Logoff leaves the network and forgets every grant.
func (a *Agent) Logoff(ctx context.Context) *dvb.Logoff {
	a.mu.Lock()
	a.loggedOn = false
	a.allocated, a.dynamic, a.remaining = 0, 0, 0
	a.vbdcCredit = 0
	a.mu.Unlock()
	a.metrics.SetAllocation(uint16(a.cfg.TalID), 0)
	a.log.Info(ctx, "logged off")
	return &dvb.Logoff{MAC: uint16(a.cfg.TalID)}
}

// HandleSOF starts superframe sf: the allocation of the last time plan
// becomes active and the RBDC timer ages.
func (a *Agent) HandleSOF(ctx context.Context, sf uint32) {
	a.mu.Lock()
	a.superframe = sf
	a.rbdcTimer++
	a.dynamic = a.allocated
	a.allocated = 0
	dynamic := a.dynamic
	a.mu.Unlock()

	a.metrics.SetAllocation(uint16(a.cfg.TalID), dynamic)
	a.log.Debug(ctx, "start of superframe", logging.Superframe(sf), logging.Uint32("allocation_pktpf", dynamic))
}

// OnFrameTick refills the per-frame allocation.
func (a *Agent) OnFrameTick() {
	a.mu.Lock()
	a.remaining = a.dynamic
	a.mu.Unlock()
}

// HandleTTP records the allocation granted to the terminal by ttp. On error
// the previous allocation is kept.
func (a *Agent) HandleTTP(ctx context.Context, ttp *dvb.TTP) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.loggedOn {
		return ErrNotLoggedOn
	}
	if ttp.GroupID != uint16(a.groupID) {
		return fmt.Errorf("TTP for group %d, terminal in group %d: %w", ttp.GroupID, a.groupID, ErrGroupMismatch)
	}
	talID := uint16(a.cfg.TalID)
	total := ttp.Assignment(talID)
	if a.cfg.CarrierCapacityPktpf > 0 && total > a.cfg.CarrierCapacityPktpf {
		return fmt.Errorf("TTP assigns %d pktpf, carrier carries %d: %w", total, a.cfg.CarrierCapacityPktpf, ErrAllocationExceedsCarrier)
	}
	for _, num := range ttp.FrameNumbers() {
		for _, tp := range ttp.Frames[num] {
			if tp.TalID == talID {
				a.modcod = tp.FmtID
			}
		}
	}
	a.allocated = total
	a.log.Debug(ctx, "time plan received",
		logging.Superframe(uint32(ttp.SuperframeCount)),
		logging.Uint32("allocation_pktpf", total),
	)
	return nil
}

// HandleMessage decodes a downlink message and dispatches it. Malformed or
// unexpected messages are logged, counted and returned; they never change
// the agent state.
func (a *Agent) HandleMessage(ctx context.Context, data []byte) error {
	err := a.handleMessage(ctx, data)
	if err != nil {
		a.metrics.IncRejected(uint16(a.cfg.TalID), rejectReason(err))
		a.log.Warn(ctx, "downlink message ignored", logging.Error(err))
	}
	return err
}

func (a *Agent) handleMessage(ctx context.Context, data []byte) error {
	_, msg, err := a.codec.Decode(data)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *dvb.SOF:
		a.HandleSOF(ctx, uint32(m.SuperframeNumber))
		return nil
	case *dvb.TTP:
		return a.HandleTTP(ctx, m)
	case *dvb.LogonResponse:
		if m.MAC != uint16(a.cfg.TalID) {
			// broadcast channel, not for us
			return nil
		}
		return a.HandleLogonResponse(ctx, m)
	default:
		return fmt.Errorf("terminal cannot handle %s: %w", msg.MsgType(), dvb.ErrUnexpectedType)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, dvb.ErrTruncated), errors.Is(err, dvb.ErrLengthMismatch):
		return "malformed"
	case errors.Is(err, dvb.ErrUnexpectedType):
		return "unexpected_type"
	case errors.Is(err, ErrNotLoggedOn):
		return "not_logged_on"
	case errors.Is(err, ErrGroupMismatch):
		return "group_mismatch"
	case errors.Is(err, ErrAllocationExceedsCarrier):
		return "over_capacity"
	default:
		return "other"
	}
}

// RequestDue reports whether sf starts an OBR period.
func (a *Agent) RequestDue(sf uint32) bool {
	return sf%a.cfg.OBRPeriodSf == 0
}

// BuildSAC computes the RBDC and VBDC requests and returns the SAC to send,
// or nil when no request qualifies.
func (a *Agent) BuildSAC(ctx context.Context) (*dvb.SAC, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.loggedOn {
		return nil, ErrNotLoggedOn
	}
	talID := uint16(a.cfg.TalID)
	sac := dvb.NewSAC(talID, uint8(a.groupID))
	sac.CNI = a.cni

	if !a.cfg.DisableRBDC {
		rbdc := a.computeRBDC()
		send := rbdc > 0 || (rbdc != a.lastRBDCKbps && a.rbdcTimer < a.cfg.RBDCTimeoutSf/2)
		if send {
			if err := sac.AddRequest(0, dvb.RequestRBDC, rbdc); err != nil {
				return nil, err
			}
			a.rbdcTimer = 0
			a.rbdcHistory.Update(rbdc)
			a.lastRBDCKbps = rbdc
			for _, f := range a.fifos {
				f.ResetNew(dama.AccessDAMARBDC)
			}
		}
		a.metrics.ObserveRequest(talID, "rbdc", rbdc, send)
	}

	if !a.cfg.DisableVBDC {
		vbdc := a.computeVBDC()
		if vbdc > 0 {
			if err := sac.AddRequest(0, dvb.RequestVBDC, vbdc); err != nil {
				return nil, err
			}
			a.vbdcCredit += vbdc
		}
		a.metrics.ObserveRequest(talID, "vbdc", vbdc, vbdc > 0)
	}

	if len(sac.Requests) == 0 {
		return nil, nil
	}
	a.log.Debug(ctx, "capacity request built",
		logging.Superframe(a.superframe),
		logging.Any("requests", sac.Requests),
	)
	return sac, nil
}

// computeRBDC estimates the rate need in kbit/s. Volumes are in bits and
// durations in milliseconds, so bit/ms is kbit/s.
func (a *Agent) computeRBDC() uint32 {
	var queuedB, arrivalsB float64
	for _, f := range a.fifos {
		if f.AccessType() != dama.AccessDAMARBDC {
			continue
		}
		queuedB += float64(f.LenBytes()) * 8
		_, nb := f.NewArrivals()
		arrivalsB += float64(nb) * 8
	}
	frameMs := float64(a.cfg.FrameDuration.Microseconds()) / 1000
	timer := float64(a.rbdcTimer)
	previous := float64(a.rbdcHistory.Sum())

	backlog := (queuedB - arrivalsB - previous*timer*frameMs) / (frameMs * float64(a.cfg.MSLSf))
	need := math.Max(0, math.Ceil(backlog))
	if a.rbdcTimer > 0 {
		need += math.Ceil(arrivalsB / (timer * frameMs))
	}

	limit := a.cfg.MaxRBDCKbps
	if n := len(a.fifos); n > 0 && a.fifos[n-1].AccessType() == dama.AccessDAMACRA {
		if limit > a.cfg.CRAKbps {
			limit -= a.cfg.CRAKbps
		} else {
			limit = 0
		}
	}
	limit = min(limit, dvb.MaxRBDCInSAC)
	if need >= float64(limit) {
		return limit
	}
	return uint32(need)
}

func (a *Agent) computeVBDC() uint32 {
	var backlog uint32
	for _, f := range a.fifos {
		if f.AccessType() == dama.AccessDAMAVBDC {
			backlog += uint32(f.Len())
		}
	}
	if backlog <= a.vbdcCredit || a.vbdcCredit >= a.cfg.MaxVBDCPkt {
		return 0
	}
	// The NCC saturates its running backlog at max_vbdc and decodes the
	// quantised value; the credit must never count more than that.
	want := min(backlog-a.vbdcCredit, a.cfg.MaxVBDCPkt-a.vbdcCredit)
	return dvb.FloorRequest(want, dvb.RequestVBDC)
}

// State is a copy of the agent counters.
type State struct {
	LoggedOn        bool
	GroupID         dama.GroupID
	LogonID         uint16
	Superframe      uint32
	RBDCTimer       uint32
	LastRBDCKbps    uint32
	VBDCCredit      uint32
	AllocatedPktpf  uint32
	DynamicPktpf    uint32
	RemainingPktpf  uint32
	Modcod          uint8
	RBDCHistorySum  uint32
	RBDCHistoryMean float64
}

// State returns the current counters.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		LoggedOn:        a.loggedOn,
		GroupID:         a.groupID,
		LogonID:         a.logonID,
		Superframe:      a.superframe,
		RBDCTimer:       a.rbdcTimer,
		LastRBDCKbps:    a.lastRBDCKbps,
		VBDCCredit:      a.vbdcCredit,
		AllocatedPktpf:  a.allocated,
		DynamicPktpf:    a.dynamic,
		RemainingPktpf:  a.remaining,
		Modcod:          a.modcod,
		RBDCHistorySum:  a.rbdcHistory.Sum(),
		RBDCHistoryMean: a.rbdcHistory.Mean(),
	}
}
