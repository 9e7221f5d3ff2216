// Package controller implements the NCC side of DAMA: it tracks the
// logged-on terminals of one group, applies their SAC capacity requests and
// runs, once per superframe, the allocation pass whose result is broadcast
// as a terminal time plan.
package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/terminal"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
	"github.com/signalsfoundry/opensand-dama/internal/logging"
	"github.com/signalsfoundry/opensand-dama/internal/observability"
)

var (
	// ErrUnknownTerminal is returned for messages from terminals that are
	// not logged on.
	ErrUnknownTerminal = errors.New("unknown terminal")
	// ErrGroupMismatch is returned for a SAC announcing another group than
	// the one the terminal logged on to.
	ErrGroupMismatch = errors.New("group id mismatch")
)

// Controller is the DAMA controller of one terminal group. All methods are
// safe for concurrent use.
type Controller struct {
	cfg      Config
	conv     dama.Converter
	codec    dvb.Codec
	strategy Strategy
	log      logging.Logger
	metrics  *observability.ControllerCollector
	tracer   trace.Tracer

	mu          sync.Mutex
	terminals   map[dama.TalID]*terminal.Context
	logonIDs    map[dama.TalID]uint16
	nextLogonID uint16
	ptrs        pointers
	live        *liveness
	superframe  uint32
	last        Stats
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics exports superframe statistics to m.
func WithMetrics(m *observability.ControllerCollector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer overrides the tracer of allocation passes.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithCodec sets the codec used by HandleMessage.
func WithCodec(codec dvb.Codec) Option {
	return func(c *Controller) { c.codec = codec }
}

// New creates a controller. cfg is completed with ApplyDefaults.
func New(cfg Config, opts ...Option) (*Controller, error) {
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conv, err := dama.NewConverter(cfg.FrameDuration, cfg.PacketLength)
	if err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	strategy, err := newStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:         cfg,
		conv:        conv,
		strategy:    strategy,
		log:         logging.Noop(),
		tracer:      observability.Tracer(),
		terminals:   make(map[dama.TalID]*terminal.Context),
		logonIDs:    make(map[dama.TalID]uint16),
		nextLogonID: 1,
		live:        newLiveness(cfg.LivenessTimeoutSf),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logging.Int("group_id", int(cfg.GroupID)))
	return c, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Strategy returns the name of the allocation strategy.
func (c *Controller) Strategy() string { return c.strategy.Name() }

// Converter returns the unit converter of the return link.
func (c *Controller) Converter() dama.Converter { return c.conv }

// HandleLogon registers the terminal announced by req and returns the
// response to broadcast. A terminal already logged on has its rates
// updated. The logon is refused with ErrCapacityOvercommit when the CRA of
// every terminal would exceed the capacity.
func (c *Controller) HandleLogon(ctx context.Context, req *dvb.LogonRequest) (*dvb.LogonResponse, error) {
	id := dama.TalID(req.MAC)
	cra := min(c.conv.KbpsToPktpf(uint32(req.RTBandwidth)), c.cfg.CarrierSizePktpf)
	maxRBDC := c.conv.KbpsToPktpf(uint32(req.MaxRBDC))
	maxVBDC := c.conv.KbitsToPkt(uint32(req.MaxVBDC))
	log := c.log.With(logging.TalID(req.MAC))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.admitCRALocked(id, cra); err != nil {
		c.metrics.IncDropped("capacity")
		log.Warn(ctx, "logon refused", logging.Error(err))
		return nil, err
	}

	if t, ok := c.terminals[id]; ok {
		t.SetCRA(cra)
		t.SetMaxRBDC(maxRBDC)
		t.SetMaxVBDC(maxVBDC)
		c.live.touch(id, c.superframe)
		log.Info(ctx, "duplicate logon, rates updated",
			logging.Uint32("cra_pktpf", cra),
			logging.Uint32("max_rbdc_pktpf", maxRBDC),
		)
		return c.logonResponse(id), nil
	}

	t, err := terminal.New(terminal.Config{
		TalID:                 id,
		GroupID:               c.cfg.GroupID,
		CRAPktpf:              cra,
		MaxRBDCPktpf:          maxRBDC,
		RBDCTimeoutSf:         c.cfg.RBDCTimeoutSf,
		MaxVBDCPkt:            maxVBDC,
		CarrierSizePktpf:      c.cfg.CarrierSizePktpf,
		AllocationCycleFrames: c.cfg.AllocationCycleFrames,
		FmtID:                 c.cfg.FmtID,
	})
	if err != nil {
		return nil, err
	}
	c.terminals[id] = t
	c.logonIDs[id] = c.nextLogonID
	c.nextLogonID++
	c.live.touch(id, c.superframe)

	c.metrics.IncLogon()
	c.metrics.SetLoggedTerminals(len(c.terminals))
	log.Info(ctx, "terminal logged on",
		logging.Uint32("cra_pktpf", cra),
		logging.Uint32("max_rbdc_pktpf", maxRBDC),
		logging.Uint32("max_vbdc_pkt", maxVBDC),
	)
	return c.logonResponse(id), nil
}

func (c *Controller) logonResponse(id dama.TalID) *dvb.LogonResponse {
	return &dvb.LogonResponse{
		MAC:     uint16(id),
		GroupID: uint8(c.cfg.GroupID),
		LogonID: c.logonIDs[id],
	}
}

// admitCRALocked checks that giving id a CRA of cra keeps the sum of every
// CRA within the capacity.
func (c *Controller) admitCRALocked(id dama.TalID, cra uint32) error {
	var sum uint64
	for other, t := range c.terminals {
		if other != id {
			sum += uint64(t.CRA())
		}
	}
	if sum+uint64(cra) > uint64(c.cfg.CapacityPktpf) {
		return fmt.Errorf("CRA %d pktpf for %s on top of %d pktpf, capacity %d: %w",
			cra, id, sum, c.cfg.CapacityPktpf, ErrCapacityOvercommit)
	}
	return nil
}

// HandleLogoff removes the terminal and its pending requests.
func (c *Controller) HandleLogoff(ctx context.Context, msg *dvb.Logoff) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(ctx, dama.TalID(msg.MAC), "logoff")
}

func (c *Controller) removeLocked(ctx context.Context, id dama.TalID, reason string) error {
	if _, ok := c.terminals[id]; !ok {
		c.metrics.IncDropped("unknown_terminal")
		return fmt.Errorf("logoff of %s: %w", id, ErrUnknownTerminal)
	}
	delete(c.terminals, id)
	delete(c.logonIDs, id)
	c.live.forget(id)

	c.metrics.IncLogoff(reason)
	c.metrics.SetLoggedTerminals(len(c.terminals))
	c.log.Info(ctx, "terminal logged off", logging.TalID(uint16(id)), logging.String("reason", reason))
	return nil
}

// HandleSAC applies the capacity requests of sac. A SAC with any
// out-of-range value is dropped as a whole.
func (c *Controller) HandleSAC(ctx context.Context, sac *dvb.SAC) error {
	id := dama.TalID(sac.TalID)

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.terminals[id]
	if !ok {
		c.metrics.IncDropped("unknown_terminal")
		return fmt.Errorf("SAC from %s: %w", id, ErrUnknownTerminal)
	}
	if dama.GroupID(sac.GroupID) != t.GroupID() {
		c.metrics.IncDropped("group_mismatch")
		return fmt.Errorf("SAC from %s for group %d, logged on to %d: %w", id, sac.GroupID, t.GroupID(), ErrGroupMismatch)
	}
	for _, r := range sac.Requests {
		if (r.Type == dvb.RequestRBDC && r.Value > dvb.MaxRBDCInSAC) ||
			(r.Type == dvb.RequestVBDC && r.Value > dvb.MaxVBDCInSAC) {
			c.metrics.IncDropped("out_of_range")
			return fmt.Errorf("SAC from %s: %s value %d: %w", id, r.Type, r.Value, dvb.ErrRequestOutOfRange)
		}
	}

	log := c.log.With(logging.TalID(sac.TalID))
	for _, r := range sac.Requests {
		switch r.Type {
		case dvb.RequestRBDC:
			kbps := r.Value
			if c.cfg.CRADecrease {
				cra := c.conv.PktpfToKbps(t.CRA())
				kbps = kbps - min(kbps, cra)
			}
			t.SetRequiredRBDC(c.conv.KbpsToPktpf(kbps))
			c.metrics.IncRequest("rbdc")
			log.Debug(ctx, "RBDC request", logging.Uint32("kbps", kbps), logging.Uint32("pktpf", t.RequiredRBDC()))
		case dvb.RequestVBDC:
			t.SetRequiredVBDC(r.Value)
			c.metrics.IncRequest("vbdc")
			log.Debug(ctx, "VBDC request", logging.Uint32("pkt", r.Value), logging.Uint32("backlog_pkt", t.VBDCRequest()))
		default:
			log.Debug(ctx, "capacity request type not handled", logging.String("type", r.Type.String()))
		}
	}
	c.live.touch(id, c.superframe)
	return nil
}

// HandleMessage decodes an uplink control message and dispatches it. The
// reply, a logon response, is nil for every other message.
func (c *Controller) HandleMessage(ctx context.Context, data []byte) (dvb.Message, error) {
	reply, err := c.handleMessage(ctx, data)
	if err != nil {
		if errors.Is(err, dvb.ErrTruncated) || errors.Is(err, dvb.ErrLengthMismatch) || errors.Is(err, dvb.ErrUnexpectedType) {
			c.metrics.IncDropped("malformed")
		}
		c.log.Warn(ctx, "uplink message dropped", logging.Error(err))
		return nil, err
	}
	return reply, nil
}

func (c *Controller) handleMessage(ctx context.Context, data []byte) (dvb.Message, error) {
	_, msg, err := c.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *dvb.SAC:
		return nil, c.HandleSAC(ctx, m)
	case *dvb.LogonRequest:
		resp, err := c.HandleLogon(ctx, m)
		if err != nil {
			return nil, err
		}
		return resp, nil
	case *dvb.Logoff:
		return nil, c.HandleLogoff(ctx, m)
	default:
		return nil, fmt.Errorf("NCC cannot handle %s: %w", msg.MsgType(), dvb.ErrUnexpectedType)
	}
}

// sortedLocked returns the terminals ordered by id.
func (c *Controller) sortedLocked() []*terminal.Context {
	terms := make([]*terminal.Context, 0, len(c.terminals))
	for _, t := range c.terminals {
		terms = append(terms, t)
	}
	slices.SortFunc(terms, func(a, b *terminal.Context) int {
		return int(a.TalID()) - int(b.TalID())
	})
	return terms
}

// RunSuperframe runs the allocation pass of superframe sf and returns the
// time plan to broadcast. When the strategy overcommits, every dynamic grant
// is rolled back and the returned time plan carries the CRA only, together
// with the error.
func (c *Controller) RunSuperframe(ctx context.Context, sf uint32) (*dvb.TTP, error) {
	ctx, span := c.tracer.Start(ctx, "dama.controller.RunSuperframe",
		trace.WithAttributes(
			attribute.Int64("dama.superframe", int64(sf)),
			attribute.String("dama.strategy", c.strategy.Name()),
		))
	defer span.End()
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.superframe = sf
	for _, id := range c.live.expire(sf) {
		_ = c.removeLocked(ctx, id, "timeout")
	}

	terms := c.sortedLocked()
	for _, t := range terms {
		t.OnStartOfSuperframe()
	}

	stats := Stats{Superframe: sf, LoggedTerminals: len(terms)}
	stats.countRequests(terms)
	stats.RBDCRequestSumKbps = c.conv.PktpfToKbps(stats.RBDCRequestSumPkt)

	var cra uint32
	for _, t := range terms {
		cra += t.CRA()
	}
	dynamic := uint32(0)
	if cra < c.cfg.CapacityPktpf {
		dynamic = c.cfg.CapacityPktpf - cra
	}
	pass := &Pass{
		Terminals: terms,
		capacity:  dynamic,
		ptrs:      &c.ptrs,
		minVBDC:   c.cfg.MinVBDCPkt,
		fcaUnit:   c.cfg.FCAPktpf,
	}
	passErr := runHarness(c.strategy, pass, c.cfg.CapacityPktpf)
	if passErr != nil {
		span.RecordError(passErr)
		span.SetStatus(codes.Error, "allocation pass rolled back")
		c.log.Error(ctx, "allocation pass rolled back", logging.Superframe(sf), logging.Error(passErr))
	} else {
		stats.FairShare = pass.fairShare
	}
	stats.countAllocations(terms)
	c.last = stats

	ttp := buildTTP(uint16(c.cfg.GroupID), sf, terms)

	stats.export(c.metrics, c.conv)
	c.metrics.ObserveAllocation(time.Since(start))
	span.SetAttributes(
		attribute.Int("dama.terminals", len(terms)),
		attribute.Int64("dama.allocated_pktpf", int64(stats.Total())),
	)
	c.log.Debug(ctx, "superframe allocated",
		logging.Superframe(sf),
		logging.Int("terminals", len(terms)),
		logging.Uint32("cra_pktpf", stats.CRAPktpf),
		logging.Uint32("rbdc_pktpf", stats.RBDCPktpf),
		logging.Uint32("vbdc_pktpf", stats.VBDCPktpf),
		logging.Uint32("fca_pktpf", stats.FCAPktpf),
	)
	return ttp, passErr
}

// Terminals returns a snapshot of every logged-on terminal ordered by id.
func (c *Controller) Terminals() []terminal.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	terms := c.sortedLocked()
	out := make([]terminal.Snapshot, len(terms))
	for i, t := range terms {
		out[i] = t.Snapshot()
	}
	return out
}

// Terminal returns a snapshot of one terminal.
func (c *Controller) Terminal(id dama.TalID) (terminal.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.terminals[id]
	if !ok {
		return terminal.Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Stats returns the statistics of the last allocation pass.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
