package controller

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/terminal"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
	"github.com/signalsfoundry/opensand-dama/internal/observability"
)

// With 80ms frames and 10-byte packets one packet per frame is 1 kbit/s,
// which keeps the expected values readable.
func newTestController(t *testing.T, mutate func(*Config), opts ...Option) *Controller {
	t.Helper()
	cfg := Config{
		GroupID:       1,
		FrameDuration: 80 * time.Millisecond,
		PacketLength:  10,
		CapacityPktpf: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

func logon(t *testing.T, c *Controller, id uint16, craKbps uint16) *dvb.LogonResponse {
	t.Helper()
	resp, err := c.HandleLogon(context.Background(), &dvb.LogonRequest{
		MAC:         id,
		RTBandwidth: craKbps,
		MaxRBDC:     1000,
		MaxVBDC:     80,
	})
	require.NoError(t, err)
	return resp
}

func sendSAC(t *testing.T, c *Controller, id uint16, rbdcKbps, vbdcPkt uint32) {
	t.Helper()
	sac := dvb.NewSAC(id, 1)
	if rbdcKbps > 0 {
		require.NoError(t, sac.AddRequest(0, dvb.RequestRBDC, rbdcKbps))
	}
	if vbdcPkt > 0 {
		require.NoError(t, sac.AddRequest(0, dvb.RequestVBDC, vbdcPkt))
	}
	require.NoError(t, c.HandleSAC(context.Background(), sac))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{CapacityPktpf: 10, Strategy: "lottery"})
	require.ErrorContains(t, err, "unknown strategy")

	_, err = New(Config{CapacityPktpf: 10, CarrierSizePktpf: 11})
	require.Error(t, err)
}

func TestLogonRegistersTerminal(t *testing.T) {
	c := newTestController(t, nil)

	resp := logon(t, c, 7, 10)
	require.Equal(t, &dvb.LogonResponse{MAC: 7, GroupID: 1, LogonID: 1}, resp)
	resp = logon(t, c, 9, 0)
	require.Equal(t, uint16(2), resp.LogonID)

	snap, ok := c.Terminal(7)
	require.True(t, ok)
	require.Equal(t, uint32(10), snap.CRAPktpf)
	require.Equal(t, uint32(1000), snap.MaxRBDCPktpf)
	require.Equal(t, uint32(1000), snap.MaxVBDCPkt)
	require.Equal(t, uint32(100), snap.CarrierSize)

	// a second logon updates the rates and keeps the logon id
	resp = logon(t, c, 7, 25)
	require.Equal(t, uint16(1), resp.LogonID)
	snap, _ = c.Terminal(7)
	require.Equal(t, uint32(25), snap.CRAPktpf)
	require.Len(t, c.Terminals(), 2)
}

func TestLogonRefusedWhenCRAOvercommits(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := observability.NewControllerCollector(reg)
	require.NoError(t, err)
	c := newTestController(t, nil, WithMetrics(m))

	logon(t, c, 1, 60)
	_, err = c.HandleLogon(context.Background(), &dvb.LogonRequest{MAC: 2, RTBandwidth: 50})
	require.ErrorIs(t, err, ErrCapacityOvercommit)

	_, ok := c.Terminal(2)
	require.False(t, ok)
	require.Equal(t, 1.0, testutil.ToFloat64(m.DroppedTotal.WithLabelValues("capacity")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.LoggedTerminals))

	// lowering its own CRA is always accepted
	logon(t, c, 1, 40)
	logon(t, c, 2, 50)
}

func TestLogoff(t *testing.T) {
	c := newTestController(t, nil)
	logon(t, c, 3, 0)

	require.NoError(t, c.HandleLogoff(context.Background(), &dvb.Logoff{MAC: 3}))
	require.Empty(t, c.Terminals())

	err := c.HandleLogoff(context.Background(), &dvb.Logoff{MAC: 3})
	require.ErrorIs(t, err, ErrUnknownTerminal)

	err = c.HandleSAC(context.Background(), dvb.NewSAC(3, 1))
	require.ErrorIs(t, err, ErrUnknownTerminal)
}

func TestHandleSACAppliesRequests(t *testing.T) {
	c := newTestController(t, nil)
	logon(t, c, 1, 10)

	sendSAC(t, c, 1, 40, 25)
	snap, _ := c.Terminal(1)
	require.Equal(t, uint32(40), snap.RBDCRequest)
	require.Equal(t, uint32(16), snap.TimerSf)
	require.Equal(t, uint32(25), snap.VBDCRequest)

	// VBDC accumulates, RBDC replaces
	sendSAC(t, c, 1, 30, 5)
	snap, _ = c.Terminal(1)
	require.Equal(t, uint32(30), snap.RBDCRequest)
	require.Equal(t, uint32(30), snap.VBDCRequest)
}

func TestHandleSACWithCRADecrease(t *testing.T) {
	c := newTestController(t, func(cfg *Config) { cfg.CRADecrease = true })
	logon(t, c, 1, 10)

	sendSAC(t, c, 1, 40, 0)
	snap, _ := c.Terminal(1)
	require.Equal(t, uint32(30), snap.RBDCRequest)

	sendSAC(t, c, 1, 5, 0)
	snap, _ = c.Terminal(1)
	require.Zero(t, snap.RBDCRequest)
}

func TestHandleSACRejections(t *testing.T) {
	c := newTestController(t, nil)
	logon(t, c, 1, 0)

	err := c.HandleSAC(context.Background(), dvb.NewSAC(1, 2))
	require.ErrorIs(t, err, ErrGroupMismatch)

	sac := dvb.NewSAC(1, 1)
	require.NoError(t, sac.AddRequest(0, dvb.RequestVBDC, 10))
	require.NoError(t, sac.AddRequest(0, dvb.RequestRBDC, dvb.MaxRBDCInSAC+1))
	err = c.HandleSAC(context.Background(), sac)
	require.ErrorIs(t, err, dvb.ErrRequestOutOfRange)

	// nothing of a rejected SAC is applied
	snap, _ := c.Terminal(1)
	require.Zero(t, snap.VBDCRequest)
	require.Zero(t, snap.RBDCRequest)
}

func TestRunSuperframeRoundRobin(t *testing.T) {
	c := newTestController(t, nil)
	logon(t, c, 1, 10)
	logon(t, c, 2, 10)
	sendSAC(t, c, 1, 30, 0)
	sendSAC(t, c, 2, 20, 15)

	ttp, err := c.RunSuperframe(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, uint16(7), ttp.SuperframeCount)
	require.Equal(t, uint16(1), ttp.GroupID)
	require.Equal(t, uint32(40), ttp.Assignment(1))
	require.Equal(t, uint32(45), ttp.Assignment(2))

	want := Stats{
		Superframe:         5,
		LoggedTerminals:    2,
		RBDCRequests:       2,
		RBDCRequestSumPkt:  50,
		RBDCRequestSumKbps: 50,
		VBDCRequests:       1,
		VBDCRequestSumPkt:  15,
		CRAPktpf:           20,
		RBDCPktpf:          50,
		VBDCPktpf:          15,
	}
	if diff := cmp.Diff(want, c.Stats()); diff != "" {
		t.Fatalf("Stats() mismatch (-want +got):\n%s", diff)
	}

	// the VBDC backlog was served; RBDC holds until its timeout
	ttp, err = c.RunSuperframe(context.Background(), 6)
	require.NoError(t, err)
	require.Equal(t, uint32(30), ttp.Assignment(2))
	snap, _ := c.Terminal(2)
	require.Zero(t, snap.VBDCRequest)
}

func TestRunSuperframeFCA(t *testing.T) {
	c := newTestController(t, func(cfg *Config) {
		cfg.FCAPktpf = 5
		cfg.CarrierSizePktpf = 40
	})
	logon(t, c, 1, 0)
	logon(t, c, 2, 0)
	sendSAC(t, c, 1, 10, 0)

	_, err := c.RunSuperframe(context.Background(), 1)
	require.NoError(t, err)

	s := c.Stats()
	require.Equal(t, uint32(10), s.RBDCPktpf)
	// the rest of the capacity is free, bounded by the carriers
	require.Equal(t, uint32(70), s.FCAPktpf)
	for _, snap := range c.Terminals() {
		require.LessOrEqual(t, snap.RBDCAllocation+snap.FCAAllocation, uint32(40))
	}
}

func TestRunSuperframeMinVBDCFirst(t *testing.T) {
	c := newTestController(t, func(cfg *Config) {
		cfg.CapacityPktpf = 10
		cfg.MinVBDCPkt = 3
	})
	logon(t, c, 1, 0)
	logon(t, c, 2, 0)
	logon(t, c, 3, 0)
	sendSAC(t, c, 1, 0, 100)
	sendSAC(t, c, 2, 0, 2)
	sendSAC(t, c, 3, 0, 100)

	_, err := c.RunSuperframe(context.Background(), 1)
	require.NoError(t, err)

	got := map[dama.TalID]uint32{}
	for _, snap := range c.Terminals() {
		got[snap.TalID] = snap.VBDCAllocation
	}
	require.Equal(t, uint32(2), got[2])
	require.GreaterOrEqual(t, got[1], uint32(3))
	require.GreaterOrEqual(t, got[3], uint32(3))
	require.Equal(t, uint32(10), got[1]+got[2]+got[3])
}

func TestStubGrantsCRAOnly(t *testing.T) {
	c := newTestController(t, func(cfg *Config) { cfg.Strategy = StrategyStub })
	logon(t, c, 1, 10)
	sendSAC(t, c, 1, 50, 50)

	ttp, err := c.RunSuperframe(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, uint32(10), ttp.Assignment(1))
}

func TestFairShareScalesRequests(t *testing.T) {
	c := newTestController(t, func(cfg *Config) {
		cfg.CapacityPktpf = 30
		cfg.Strategy = StrategyFairShare
	})
	for id, rbdc := range map[uint16]uint32{1: 10, 2: 20, 3: 30} {
		logon(t, c, id, 0)
		sendSAC(t, c, id, rbdc, 0)
	}

	ttp, err := c.RunSuperframe(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, uint32(5), ttp.Assignment(1))
	require.Equal(t, uint32(10), ttp.Assignment(2))
	require.Equal(t, uint32(15), ttp.Assignment(3))
	require.InDelta(t, 2.0, c.Stats().FairShare, 1e-9)
}

func TestFairShareDistributesRemainder(t *testing.T) {
	c := newTestController(t, func(cfg *Config) {
		cfg.CapacityPktpf = 20
		cfg.Strategy = StrategyFairShare
	})
	for id := uint16(1); id <= 3; id++ {
		logon(t, c, id, 0)
		sendSAC(t, c, id, 10, 0)
	}

	_, err := c.RunSuperframe(context.Background(), 1)
	require.NoError(t, err)

	var sum uint32
	for _, snap := range c.Terminals() {
		require.GreaterOrEqual(t, snap.RBDCAllocation, uint32(6))
		require.LessOrEqual(t, snap.RBDCAllocation, uint32(7))
		sum += snap.RBDCAllocation
	}
	require.Equal(t, uint32(20), sum)
}

func TestCapacityInvariantAcrossStrategies(t *testing.T) {
	for _, strategy := range []string{StrategyRoundRobin, StrategyFairShare, StrategyStub} {
		t.Run(strategy, func(t *testing.T) {
			c := newTestController(t, func(cfg *Config) {
				cfg.CapacityPktpf = 500
				cfg.CarrierSizePktpf = 120
				cfg.Strategy = strategy
				cfg.FCAPktpf = 5
				cfg.MinVBDCPkt = 2
				cfg.AllocationCycleFrames = 2
			})
			rng := rand.New(rand.NewPCG(42, uint64(len(strategy))))
			for id := uint16(1); id <= 20; id++ {
				logon(t, c, id, uint16(rng.IntN(21)))
			}

			for sf := uint32(1); sf <= 50; sf++ {
				for id := uint16(1); id <= 20; id++ {
					if rng.IntN(3) == 0 {
						continue
					}
					sendSAC(t, c, id, rng.Uint32N(200), rng.Uint32N(300))
				}
				ttp, err := c.RunSuperframe(context.Background(), sf)
				require.NoError(t, err)

				var sum uint32
				for _, snap := range c.Terminals() {
					total := snap.CRAPktpf + snap.RBDCAllocation + snap.VBDCAllocation + snap.FCAAllocation
					require.LessOrEqual(t, total, snap.CarrierSize, "terminal %s at sf %d", snap.TalID, sf)
					require.Equal(t, total, ttp.Assignment(uint16(snap.TalID)))
					sum += total
				}
				require.LessOrEqual(t, sum, uint32(500), "sf %d", sf)
				require.Equal(t, sum, c.Stats().Total())
			}
		})
	}
}

func TestRoundRobinFairnessBound(t *testing.T) {
	const (
		n = 7
		k = 3
	)
	c := newTestController(t, func(cfg *Config) { cfg.CapacityPktpf = k })
	for id := uint16(1); id <= n; id++ {
		logon(t, c, id, 0)
	}

	bound := uint32((n + k - 1) / k)
	last := map[dama.TalID]uint32{}
	grants := map[dama.TalID]int{}
	for sf := uint32(1); sf <= 7*n; sf++ {
		for id := uint16(1); id <= n; id++ {
			sendSAC(t, c, id, 100, 0)
		}
		_, err := c.RunSuperframe(context.Background(), sf)
		require.NoError(t, err)
		for _, snap := range c.Terminals() {
			if snap.RBDCAllocation > 0 {
				last[snap.TalID] = sf
				grants[snap.TalID] += int(snap.RBDCAllocation)
			}
		}
		if sf < bound {
			continue
		}
		for id := dama.TalID(1); id <= n; id++ {
			require.Less(t, sf-last[id], bound, "%s starved at sf %d", id, sf)
		}
	}
	for id := dama.TalID(1); id <= n; id++ {
		require.Equal(t, 3*7, grants[id], "grants of %s", id)
	}
}

func TestLivenessLogsOffSilentTerminals(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := observability.NewControllerCollector(reg)
	require.NoError(t, err)
	c := newTestController(t, func(cfg *Config) { cfg.LivenessTimeoutSf = 3 }, WithMetrics(m))
	logon(t, c, 1, 0)
	logon(t, c, 2, 0)

	for sf := uint32(1); sf <= 3; sf++ {
		sendSAC(t, c, 2, 10, 0)
		_, err := c.RunSuperframe(context.Background(), sf)
		require.NoError(t, err)
		if sf < 3 {
			require.Len(t, c.Terminals(), 2, "sf %d", sf)
		}
	}

	terms := c.Terminals()
	require.Len(t, terms, 1)
	require.Equal(t, dama.TalID(2), terms[0].TalID)
	require.Equal(t, 1.0, testutil.ToFloat64(m.LogoffsTotal.WithLabelValues("timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.LoggedTerminals))
}

// greedy ignores the pass capacity and fills every carrier.
type greedy struct{}

func (greedy) Name() string { return "greedy" }

func (greedy) Allocate(p *Pass) {
	for _, t := range p.Terminals {
		t.SetAllocation(t.Headroom(), dama.CategoryVBDC)
	}
}

func TestHarnessRollsBackOvercommittingStrategy(t *testing.T) {
	c := newTestController(t, nil)
	c.strategy = greedy{}
	logon(t, c, 1, 5)
	logon(t, c, 2, 0)
	sendSAC(t, c, 1, 0, 80)
	sendSAC(t, c, 2, 0, 80)

	ttp, err := c.RunSuperframe(context.Background(), 1)
	require.ErrorIs(t, err, ErrCapacityOvercommit)
	require.Equal(t, uint32(5), ttp.Assignment(1))
	require.Zero(t, ttp.Assignment(2))

	for _, snap := range c.Terminals() {
		require.Zero(t, snap.VBDCAllocation)
		require.Equal(t, uint32(80), snap.VBDCRequest, "backlog of %s", snap.TalID)
	}
}

func TestBuildTTPSplitsLargeAllocations(t *testing.T) {
	big, err := terminal.New(terminal.Config{TalID: 1, CRAPktpf: 70000, CarrierSizePktpf: 100000, FmtID: 3})
	require.NoError(t, err)
	idle, err := terminal.New(terminal.Config{TalID: 2, CarrierSizePktpf: 10, FmtID: 1})
	require.NoError(t, err)
	noFmt, err := terminal.New(terminal.Config{TalID: 3, CRAPktpf: 5, CarrierSizePktpf: 10})
	require.NoError(t, err)

	ttp := buildTTP(4, 10, []*terminal.Context{big, idle, noFmt})
	require.Equal(t, uint16(12), ttp.SuperframeCount)
	require.Equal(t, []uint8{0, 1}, ttp.FrameNumbers())
	require.Equal(t, []dvb.TimePlan{{TalID: 1, AssignmentCount: 65535, FmtID: 3}}, ttp.Frames[0])
	require.Equal(t, []dvb.TimePlan{{TalID: 1, AssignmentCount: 4465, FmtID: 3}}, ttp.Frames[1])
	require.Equal(t, uint32(70000), ttp.Assignment(1))

	var codec dvb.Codec
	data, err := codec.Encode(ttp)
	require.NoError(t, err)
	decoded, err := codec.DecodeTTP(data)
	require.NoError(t, err)
	require.Equal(t, uint32(70000), decoded.Assignment(1))
}

func TestPEPCommands(t *testing.T) {
	c := newTestController(t, nil)
	logon(t, c, 1, 10)
	logon(t, c, 2, 50)
	ctx := context.Background()

	require.NoError(t, c.ApplyPEP(ctx, PEPCommand{TalID: 1, CRAKbps: 30}))
	snap, _ := c.Terminal(1)
	require.Equal(t, uint32(30), snap.CRAPktpf)

	err := c.ApplyPEP(ctx, PEPCommand{TalID: 1, CRAKbps: 60, RBDCKbps: 20})
	require.ErrorIs(t, err, ErrCapacityOvercommit)
	snap, _ = c.Terminal(1)
	require.Equal(t, uint32(30), snap.CRAPktpf)
	require.Zero(t, snap.RBDCRequest)

	require.NoError(t, c.ApplyPEP(ctx, PEPCommand{TalID: 1, MaxRBDCKbps: 50, RBDCKbps: 80}))
	snap, _ = c.Terminal(1)
	require.Equal(t, uint32(50), snap.MaxRBDCPktpf)
	require.Equal(t, uint32(50), snap.RBDCRequest)
	require.Equal(t, uint32(pepRBDCTimeoutSf), snap.TimerSf)

	// the next SAC is back on the configured timeout
	sendSAC(t, c, 1, 20, 0)
	snap, _ = c.Terminal(1)
	require.Equal(t, uint32(16), snap.TimerSf)

	err = c.ApplyPEP(ctx, PEPCommand{TalID: 9, CRAKbps: 1})
	require.ErrorIs(t, err, ErrUnknownTerminal)
}

func TestHandleMessage(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := observability.NewControllerCollector(reg)
	require.NoError(t, err)
	c := newTestController(t, nil, WithMetrics(m))
	ctx := context.Background()
	var codec dvb.Codec

	data, err := codec.Encode(&dvb.LogonRequest{MAC: 4, RTBandwidth: 10, MaxRBDC: 100, MaxVBDC: 8})
	require.NoError(t, err)
	reply, err := c.HandleMessage(ctx, data)
	require.NoError(t, err)
	resp, ok := reply.(*dvb.LogonResponse)
	require.True(t, ok, "reply %T", reply)
	require.Equal(t, uint16(4), resp.MAC)

	sac := dvb.NewSAC(4, 1)
	require.NoError(t, sac.AddRequest(0, dvb.RequestVBDC, 12))
	data, err = codec.Encode(sac)
	require.NoError(t, err)
	reply, err = c.HandleMessage(ctx, data)
	require.NoError(t, err)
	require.Nil(t, reply)
	snap, _ := c.Terminal(4)
	require.Equal(t, uint32(12), snap.VBDCRequest)

	data, err = codec.Encode(&dvb.SOF{SuperframeNumber: 1})
	require.NoError(t, err)
	_, err = c.HandleMessage(ctx, data)
	require.ErrorIs(t, err, dvb.ErrUnexpectedType)

	_, err = c.HandleMessage(ctx, []byte{0x00})
	require.True(t, errors.Is(err, dvb.ErrTruncated) || errors.Is(err, dvb.ErrLengthMismatch), "err = %v", err)
	require.Equal(t, 2.0, testutil.ToFloat64(m.DroppedTotal.WithLabelValues("malformed")))

	data, err = codec.Encode(&dvb.Logoff{MAC: 4})
	require.NoError(t, err)
	_, err = c.HandleMessage(ctx, data)
	require.NoError(t, err)
	require.Empty(t, c.Terminals())
}

func TestDump(t *testing.T) {
	c := newTestController(t, nil)
	require.Contains(t, c.Dump(), "(no terminals)")

	logon(t, c, 1, 10)
	_, err := c.RunSuperframe(context.Background(), 3)
	require.NoError(t, err)
	out := c.Dump()
	require.Contains(t, out, "strategy roundrobin")
	require.Contains(t, out, "Superframe: 3")
	require.Contains(t, out, "ST1: cra 10")

	s, err := c.DumpTerminal(1)
	require.NoError(t, err)
	require.Contains(t, s, "CRA: 10 pktpf")
	_, err = c.DumpTerminal(2)
	require.ErrorIs(t, err, ErrUnknownTerminal)
}
