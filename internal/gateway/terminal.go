package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/opensand-dama/internal/dama/agent"
	"github.com/signalsfoundry/opensand-dama/internal/dama/fifo"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
	"github.com/signalsfoundry/opensand-dama/internal/logging"
	"github.com/signalsfoundry/opensand-dama/internal/sim"
)

// errStreamClosed stops a terminal whose downlink stream ended.
var errStreamClosed = errors.New("downlink stream closed by the NCC")

// TerminalStats counts the activity of a remote terminal.
type TerminalStats struct {
	Superframes int
	SACs        int
	Offered     int
	Refused     int
	Sent        int
	Bursts      int
	Relogons    int
}

// Terminal drives an agent over the control channel: it logs on, answers
// every SOF with its capacity request and schedules its queues on the
// allocation received.
type Terminal struct {
	agent  *agent.Agent
	client *Client
	codec  dvb.Codec
	log    logging.Logger
	retry  time.Duration
	now    func() time.Time

	// relogon wakes the logon loop after the NCC forgot the terminal.
	relogon chan struct{}

	traffic []sim.TrafficSpec
	sources []*sim.TrafficSource

	mu    sync.Mutex
	stats TerminalStats
}

// TerminalOption customises a Terminal.
type TerminalOption func(*Terminal)

// WithTerminalLogger sets the terminal logger.
func WithTerminalLogger(l logging.Logger) TerminalOption {
	return func(t *Terminal) {
		if l != nil {
			t.log = l
		}
	}
}

// WithLogonRetry sets the delay between two logon attempts.
// Default: 1s
func WithLogonRetry(d time.Duration) TerminalOption {
	return func(t *Terminal) {
		if d > 0 {
			t.retry = d
		}
	}
}

// WithTraffic feeds the agent queues with synthetic traffic, timed on the
// wall clock from the call to NewTerminal.
func WithTraffic(specs ...sim.TrafficSpec) TerminalOption {
	return func(t *Terminal) { t.traffic = append(t.traffic, specs...) }
}

// WithTerminalCodec sets the SAC entry layout used on the channel.
func WithTerminalCodec(c dvb.Codec) TerminalOption {
	return func(t *Terminal) { t.codec = c }
}

// NewTerminal binds a to the gateway reached through c.
func NewTerminal(a *agent.Agent, c *Client, opts ...TerminalOption) (*Terminal, error) {
	t := &Terminal{
		agent:  a,
		client: c,
		log:    logging.Noop(),
		retry:  time.Second,
		now:    time.Now,

		relogon: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}

	cfg := a.Config()
	byName := make(map[string]*fifo.Fifo)
	for _, f := range a.Fifos() {
		byName[f.Name()] = f
	}
	start := t.now()
	for _, spec := range t.traffic {
		f, ok := byName[spec.Fifo]
		if !ok {
			return nil, fmt.Errorf("terminal %s: traffic for unknown fifo %q", cfg.TalID, spec.Fifo)
		}
		src := sim.NewTrafficSource(f, spec, start, cfg.FrameDuration, cfg.PacketLength)
		if spec.BurstPkt > 0 {
			t.stats.Offered += spec.BurstPkt
			t.stats.Refused += src.Burst(spec.BurstPkt)
		}
		t.sources = append(t.sources, src)
	}
	return t, nil
}

// Stats returns a copy of the counters.
func (t *Terminal) Stats() TerminalStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Run subscribes to the downlink, logs on and serves superframes until ctx
// is done or the stream fails. The terminal logs off on the way out.
func (t *Terminal) Run(ctx context.Context) error {
	stream, err := t.client.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.receive(gctx, stream) })
	g.Go(func() error { return t.logon(gctx) })
	err = g.Wait()

	t.logoff(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (t *Terminal) receive(ctx context.Context, stream grpc.ServerStreamingClient[wrapperspb.BytesValue]) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errStreamClosed
			}
			return err
		}
		t.handle(ctx, msg.GetValue())
	}
}

func (t *Terminal) handle(ctx context.Context, frame []byte) {
	// the agent logs and counts what it rejects
	if err := t.agent.HandleMessage(ctx, frame); err != nil {
		return
	}
	if sof, err := t.codec.DecodeSOF(frame); err == nil {
		t.superframe(ctx, uint32(sof.SuperframeNumber))
	}
}

// logon sends logon requests until a response is accepted, then waits for
// the NCC to forget the terminal and starts over. It returns when ctx is
// done.
func (t *Terminal) logon(ctx context.Context) error {
	req, err := t.codec.Encode(t.agent.LogonRequest())
	if err != nil {
		return err
	}
	ticker := time.NewTicker(t.retry)
	defer ticker.Stop()
	for {
		for !t.agent.LoggedOn() {
			if err := t.client.Send(ctx, req); err != nil && ctx.Err() == nil {
				t.log.Warn(ctx, "logon refused", logging.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		t.log.Info(ctx, "logged on")
		select {
		case <-ctx.Done():
			return nil
		case <-t.relogon:
		}
	}
}

// dropped forgets the logon the NCC no longer knows about and wakes the
// logon loop.
func (t *Terminal) dropped(ctx context.Context, sf uint32) {
	t.log.Info(ctx, "terminal unknown to the NCC, logging on again", logging.Superframe(sf))
	t.agent.Logoff(ctx)
	t.mu.Lock()
	t.stats.Relogons++
	t.mu.Unlock()
	select {
	case t.relogon <- struct{}{}:
	default:
	}
}

func (t *Terminal) logoff(ctx context.Context) {
	if !t.agent.LoggedOn() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	data, err := t.codec.Encode(t.agent.Logoff(ctx))
	if err != nil {
		return
	}
	if err := t.client.Send(ctx, data); err != nil {
		t.log.Warn(ctx, "logoff not delivered", logging.Error(err))
	}
}

// superframe sends the SAC due at sf and schedules every frame of the
// superframe on the allocation that became active.
func (t *Terminal) superframe(ctx context.Context, sf uint32) {
	sacs := 0
	if t.agent.LoggedOn() && t.agent.RequestDue(sf) {
		ok, err := t.sendSAC(ctx)
		switch {
		case status.Code(err) == codes.NotFound:
			t.dropped(ctx, sf)
		case err != nil:
			t.log.Warn(ctx, "capacity request not delivered", logging.Superframe(sf), logging.Error(err))
		}
		if ok {
			sacs++
		}
	}

	cfg := t.agent.Config()
	var offered, refused, sent, bursts int
	now := t.now()
	for i := uint32(0); i < cfg.FramesPerSuperframe; i++ {
		at := now.Add(time.Duration(i) * cfg.FrameDuration)
		for _, src := range t.sources {
			o, r := src.Generate(at)
			offered += o
			refused += r
		}
		t.agent.OnFrameTick()
		res := t.agent.Schedule(ctx)
		sent += res.Packets()
		bursts += len(res.Bursts)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Superframes++
	t.stats.SACs += sacs
	t.stats.Offered += offered
	t.stats.Refused += refused
	t.stats.Sent += sent
	t.stats.Bursts += bursts
}

// sendSAC reports whether a request was delivered. Nothing is sent when
// no request qualifies.
func (t *Terminal) sendSAC(ctx context.Context) (bool, error) {
	sac, err := t.agent.BuildSAC(ctx)
	if err != nil || sac == nil {
		return false, err
	}
	data, err := t.codec.Encode(sac)
	if err != nil {
		return false, err
	}
	if err := t.client.Send(ctx, data); err != nil {
		return false, err
	}
	return true, nil
}
