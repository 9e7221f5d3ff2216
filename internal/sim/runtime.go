// Package sim runs a complete DAMA loop in process: one NCC controller, a
// set of terminal agents fed by synthetic traffic and the control messages
// exchanged between them, all driven by the frame clock.
package sim

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/agent"
	"github.com/signalsfoundry/opensand-dama/internal/dama/controller"
	"github.com/signalsfoundry/opensand-dama/internal/dama/fifo"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
	"github.com/signalsfoundry/opensand-dama/internal/logging"
	"github.com/signalsfoundry/opensand-dama/internal/observability"
	"github.com/signalsfoundry/opensand-dama/timectrl"
)

// TerminalSpec describes one simulated terminal. Frame timing and carrier
// capacity left zero in Agent are taken from the controller configuration.
type TerminalSpec struct {
	Agent   agent.Config
	Fifos   []fifo.Config
	Traffic []TrafficSpec
}

// PEPEvent applies a PEP command At after the simulation start.
type PEPEvent struct {
	At      time.Duration
	Command controller.PEPCommand
}

// Scenario is everything needed to build a Runtime.
type Scenario struct {
	Start      time.Time
	Controller controller.Config
	Terminals  []TerminalSpec
	PEP        []PEPEvent
}

// TerminalReport accumulates what happened to one terminal's traffic.
type TerminalReport struct {
	Offered int
	Refused int
	Sent    int
	Dropped int
	Bursts  int

	// Relogons counts the logons redone after the NCC dropped the terminal.
	Relogons int
}

// Report summarises a run.
type Report struct {
	Frames      uint64
	Superframes uint32
	Terminals   map[dama.TalID]TerminalReport
	// Controller holds the statistics of the last allocation pass.
	Controller controller.Stats
}

// Runtime owns the clock, the controller and the terminals of a scenario.
type Runtime struct {
	Clock      *timectrl.TimeController
	Events     *EventScheduler
	Controller *controller.Controller
	Terminals  *Registry

	codec       dvb.Codec
	log         logging.Logger
	mode        timectrl.Mode
	parallelism int
	ctrlMetrics *observability.ControllerCollector
	agtMetrics  *observability.AgentCollector

	mu       sync.Mutex
	ctx      context.Context
	err      error
	loggedOn bool
	report   Report
}

// Option customises a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger shared by every component.
func WithLogger(l logging.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMode selects real-time or accelerated frame pacing. The default is
// accelerated.
func WithMode(m timectrl.Mode) Option {
	return func(r *Runtime) { r.mode = m }
}

// WithParallelism bounds the number of terminals handled concurrently.
func WithParallelism(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithMetrics records controller and agent metrics.
func WithMetrics(c *observability.ControllerCollector, a *observability.AgentCollector) Option {
	return func(r *Runtime) {
		r.ctrlMetrics = c
		r.agtMetrics = a
	}
}

// New builds the runtime of sc. Nothing runs before Run.
func New(sc Scenario, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		log:         logging.Noop(),
		mode:        timectrl.Accelerated,
		parallelism: runtime.GOMAXPROCS(0),
		Terminals:   NewRegistry(),
		report:      Report{Terminals: make(map[dama.TalID]TerminalReport)},
	}
	for _, opt := range opts {
		opt(r)
	}

	ctrlCfg := sc.Controller.ApplyDefaults()
	ctrl, err := controller.New(ctrlCfg,
		controller.WithLogger(r.log.With(logging.String("component", "ncc"))),
		controller.WithMetrics(r.ctrlMetrics),
		controller.WithCodec(r.codec),
	)
	if err != nil {
		return nil, err
	}
	r.Controller = ctrl

	start := sc.Start
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	r.Clock = timectrl.NewTimeController(start, ctrlCfg.FrameDuration, ctrlCfg.FramesPerSuperframe, r.mode)
	r.Events = NewEventScheduler(r.Clock)

	for _, spec := range sc.Terminals {
		t, err := r.newTerminal(spec, ctrlCfg, start)
		if err != nil {
			return nil, err
		}
		if err := r.Terminals.Register(t); err != nil {
			return nil, err
		}
	}
	for _, ev := range sc.PEP {
		cmd := ev.Command
		r.Events.Schedule(start.Add(ev.At), func() { r.applyPEP(cmd) })
	}

	r.Clock.AddListener(r.onTick)
	return r, nil
}

func (r *Runtime) newTerminal(spec TerminalSpec, ctrlCfg controller.Config, start time.Time) (*Terminal, error) {
	cfg := spec.Agent
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = ctrlCfg.FrameDuration
	}
	if cfg.FramesPerSuperframe == 0 {
		cfg.FramesPerSuperframe = ctrlCfg.FramesPerSuperframe
	}
	if cfg.PacketLength == 0 {
		cfg.PacketLength = ctrlCfg.PacketLength
	}
	if cfg.CarrierCapacityPktpf == 0 {
		cfg.CarrierCapacityPktpf = ctrlCfg.CarrierSizePktpf
	}
	if cfg.FrameDuration != ctrlCfg.FrameDuration || cfg.PacketLength != ctrlCfg.PacketLength {
		return nil, fmt.Errorf("terminal %s: frame timing differs from the NCC", cfg.TalID)
	}

	fifos := make([]*fifo.Fifo, 0, len(spec.Fifos))
	byName := make(map[string]*fifo.Fifo, len(spec.Fifos))
	for _, fc := range spec.Fifos {
		f, err := fifo.New(fc)
		if err != nil {
			return nil, fmt.Errorf("terminal %s: %w", cfg.TalID, err)
		}
		fifos = append(fifos, f)
		byName[f.Name()] = f
	}

	a, err := agent.New(cfg, fifos,
		agent.WithLogger(r.log.With(logging.String("component", "st"))),
		agent.WithMetrics(r.agtMetrics),
		agent.WithCodec(r.codec),
	)
	if err != nil {
		return nil, err
	}

	t := &Terminal{Agent: a}
	for _, ts := range spec.Traffic {
		f, ok := byName[ts.Fifo]
		if !ok {
			return nil, fmt.Errorf("terminal %s: traffic for unknown fifo %q", cfg.TalID, ts.Fifo)
		}
		src := NewTrafficSource(f, ts, start, cfg.FrameDuration, cfg.PacketLength)
		t.Sources = append(t.Sources, src)
		if ts.BurstPkt > 0 {
			id := cfg.TalID
			r.Events.Schedule(src.StartTime(), func() {
				refused := src.Burst(ts.BurstPkt)
				r.recordTraffic(id, ts.BurstPkt, refused)
			})
		}
	}
	return t, nil
}

func (r *Runtime) applyPEP(cmd controller.PEPCommand) {
	ctx := r.runContext()
	if err := r.Controller.ApplyPEP(ctx, cmd); err != nil {
		r.log.Warn(ctx, "PEP command rejected", logging.TalID(uint16(cmd.TalID)), logging.Error(err))
	}
}

// Logon sends the logon request of every terminal to the controller and
// broadcasts the responses. Run logs on by itself the first time.
func (r *Runtime) Logon(ctx context.Context) error {
	for _, t := range r.Terminals.List() {
		if err := r.logon(ctx, t); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.loggedOn = true
	r.mu.Unlock()
	return nil
}

func (r *Runtime) logon(ctx context.Context, t *Terminal) error {
	req, err := r.codec.Encode(t.Agent.LogonRequest())
	if err != nil {
		return err
	}
	reply, err := r.Controller.HandleMessage(ctx, req)
	if err != nil {
		return fmt.Errorf("logon of %s: %w", t.ID(), err)
	}
	resp, err := r.codec.Encode(reply)
	if err != nil {
		return err
	}
	if err := r.broadcast(ctx, resp); err != nil {
		return err
	}
	if !t.Agent.LoggedOn() {
		return fmt.Errorf("logon of %s: no response accepted", t.ID())
	}
	return nil
}

// relogon logs t on again after the NCC forgot it, typically after a
// silence longer than the liveness timeout.
func (r *Runtime) relogon(ctx context.Context, t *Terminal) {
	t.Agent.Logoff(ctx)
	if err := r.logon(ctx, t); err != nil {
		r.log.Warn(ctx, "logon retry failed", logging.TalID(uint16(t.ID())), logging.Error(err))
		return
	}
	r.mu.Lock()
	tr := r.report.Terminals[t.ID()]
	tr.Relogons++
	r.report.Terminals[t.ID()] = tr
	r.mu.Unlock()
}

// Run logs the terminals on if needed and emits frames until ctx is done
// or, when frames > 0, that many frames were emitted.
func (r *Runtime) Run(ctx context.Context, frames uint64) (Report, error) {
	r.mu.Lock()
	r.ctx = ctx
	loggedOn := r.loggedOn
	r.mu.Unlock()

	if !loggedOn {
		if err := r.Logon(ctx); err != nil {
			return r.Report(), err
		}
	}
	r.log.Info(ctx, "simulation started",
		logging.Int("terminals", r.Terminals.Len()),
		logging.String("strategy", r.Controller.Strategy()),
	)
	err := r.Clock.Run(ctx, frames)
	if ferr := r.Err(); ferr != nil {
		err = ferr
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	rep := r.Report()
	r.log.Info(ctx, "simulation stopped",
		logging.Any("frames", rep.Frames),
		logging.Uint32("superframes", rep.Superframes),
	)
	return rep, err
}

// Err returns the first error that stopped frame processing.
func (r *Runtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Report returns a copy of the counters collected so far.
func (r *Runtime) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.report
	out.Terminals = make(map[dama.TalID]TerminalReport, len(r.report.Terminals))
	for id, tr := range r.report.Terminals {
		out.Terminals[id] = tr
	}
	out.Controller = r.Controller.Stats()
	return out
}

func (r *Runtime) runContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *Runtime) onTick(tick timectrl.Tick) {
	if r.Err() != nil {
		return
	}
	ctx := r.runContext()
	r.Events.RunDue()

	var err error
	if tick.StartOfSuperframe {
		err = r.superframe(ctx, tick.Superframe)
	}
	if err == nil {
		err = r.frame(ctx, tick)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil && r.err == nil {
		r.err = err
	}
	r.report.Frames++
}

// superframe broadcasts the SOF, collects the due SACs, runs the allocation
// pass and broadcasts its time plan.
func (r *Runtime) superframe(ctx context.Context, sf uint32) error {
	sof, err := r.codec.Encode(&dvb.SOF{SuperframeNumber: uint16(sf)})
	if err != nil {
		return err
	}
	if err := r.broadcast(ctx, sof); err != nil {
		return err
	}

	for _, t := range r.Terminals.List() {
		if !t.Agent.LoggedOn() {
			r.relogon(ctx, t)
		}
		if !t.Agent.LoggedOn() || !t.Agent.RequestDue(sf) {
			continue
		}
		sac, err := t.Agent.BuildSAC(ctx)
		if err != nil {
			return fmt.Errorf("SAC of %s: %w", t.ID(), err)
		}
		if sac == nil {
			continue
		}
		data, err := r.codec.Encode(sac)
		if err != nil {
			return err
		}
		_, err = r.Controller.HandleMessage(ctx, data)
		switch {
		case errors.Is(err, controller.ErrUnknownTerminal):
			r.log.Info(ctx, "terminal unknown to the NCC, logging on again", logging.TalID(uint16(t.ID())))
			r.relogon(ctx, t)
		case err != nil:
			r.log.Warn(ctx, "SAC refused by the NCC", logging.TalID(uint16(t.ID())), logging.Error(err))
		}
	}

	ttp, err := r.Controller.RunSuperframe(ctx, sf)
	if err != nil {
		r.log.Warn(ctx, "allocation pass failed", logging.Superframe(sf), logging.Error(err))
	}
	if ttp == nil {
		return nil
	}
	data, err := r.codec.Encode(ttp)
	if err != nil {
		return err
	}
	if err := r.broadcast(ctx, data); err != nil {
		return err
	}

	r.mu.Lock()
	r.report.Superframes++
	r.mu.Unlock()
	return nil
}

// frame generates the traffic of one frame and schedules it on every
// terminal in parallel.
func (r *Runtime) frame(ctx context.Context, tick timectrl.Tick) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, t := range r.Terminals.List() {
		g.Go(func() error {
			var offered, refused int
			for _, src := range t.Sources {
				o, rf := src.Generate(tick.Time)
				offered += o
				refused += rf
			}
			t.Agent.OnFrameTick()
			res := t.Agent.Schedule(gctx)

			r.mu.Lock()
			defer r.mu.Unlock()
			tr := r.report.Terminals[t.ID()]
			tr.Offered += offered
			tr.Refused += refused
			tr.Sent += res.Packets()
			tr.Dropped += res.Dropped
			tr.Bursts += len(res.Bursts)
			r.report.Terminals[t.ID()] = tr
			return gctx.Err()
		})
	}
	return g.Wait()
}

func (r *Runtime) recordTraffic(id dama.TalID, offered, refused int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr := r.report.Terminals[id]
	tr.Offered += offered
	tr.Refused += refused
	r.report.Terminals[id] = tr
}

// broadcast delivers a downlink frame to every terminal. Terminals reject
// what is not for them on their own; only cancellation is an error.
func (r *Runtime) broadcast(ctx context.Context, data []byte) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, t := range r.Terminals.List() {
		g.Go(func() error {
			_ = t.Agent.HandleMessage(gctx, data)
			return gctx.Err()
		})
	}
	return g.Wait()
}
