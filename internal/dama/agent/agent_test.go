package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/fifo"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
	"github.com/signalsfoundry/opensand-dama/internal/observability"
)

const testTal = dama.TalID(7)

func mustFifo(t *testing.T, name string, prio uint8, access dama.AccessType) *fifo.Fifo {
	t.Helper()
	f, err := fifo.New(fifo.Config{Name: name, Priority: prio, Access: access, CapacityPkt: 100})
	if err != nil {
		t.Fatalf("fifo.New(%s): %v", name, err)
	}
	return f
}

func fill(t *testing.T, f *fifo.Fifo, n, size int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := f.Push(make([]byte, size)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
}

func newTestAgent(t *testing.T, cfg Config, fifos ...*fifo.Fifo) *Agent {
	t.Helper()
	cfg.TalID = testTal
	a, err := New(cfg, fifos)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func logon(t *testing.T, a *Agent, group uint8) {
	t.Helper()
	resp := &dvb.LogonResponse{MAC: uint16(testTal), GroupID: group, LogonID: 3}
	if err := a.HandleLogonResponse(context.Background(), resp); err != nil {
		t.Fatalf("HandleLogonResponse: %v", err)
	}
}

func grant(t *testing.T, a *Agent, group uint16, pkt uint16) {
	t.Helper()
	ttp := dvb.NewTTP(group, 0)
	ttp.AddTimePlan(0, dvb.TimePlan{TalID: uint16(testTal), AssignmentCount: pkt, FmtID: 4})
	if err := a.HandleTTP(context.Background(), ttp); err != nil {
		t.Fatalf("HandleTTP: %v", err)
	}
}

func TestBuildSACRequiresLogon(t *testing.T) {
	a := newTestAgent(t, Config{MaxRBDCKbps: 1000})
	if _, err := a.BuildSAC(context.Background()); !errors.Is(err, ErrNotLoggedOn) {
		t.Fatalf("BuildSAC before logon = %v, want ErrNotLoggedOn", err)
	}
	if err := a.HandleTTP(context.Background(), dvb.NewTTP(0, 0)); !errors.Is(err, ErrNotLoggedOn) {
		t.Fatalf("HandleTTP before logon = %v, want ErrNotLoggedOn", err)
	}
}

func TestLogonRequestCarriesRates(t *testing.T) {
	a := newTestAgent(t, Config{CRAKbps: 64, MaxRBDCKbps: 2048, MaxVBDCPkt: 10})
	req := a.LogonRequest()
	want := &dvb.LogonRequest{MAC: 7, RTBandwidth: 64, MaxRBDC: 2048, MaxVBDC: 16}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("LogonRequest mismatch (-want +got):\n%s", diff)
	}
}

func TestLogonResponseForAnotherTerminal(t *testing.T) {
	a := newTestAgent(t, Config{})
	err := a.HandleLogonResponse(context.Background(), &dvb.LogonResponse{MAC: 99})
	if !errors.Is(err, ErrWrongTerminal) {
		t.Fatalf("err = %v, want ErrWrongTerminal", err)
	}
	if a.LoggedOn() {
		t.Fatalf("agent logged on from a foreign response")
	}
}

func TestRBDCRequestAndSendPolicy(t *testing.T) {
	ctx := context.Background()
	rbdc := mustFifo(t, "ef", fifo.PriorityEF, dama.AccessDAMARBDC)
	a := newTestAgent(t, Config{MaxRBDCKbps: 1000, DisableVBDC: true}, rbdc)
	logon(t, a, 1)
	fill(t, rbdc, 10, 188)

	// timer 0: only the backlog term, and every queued bit is a new arrival
	sac, err := a.BuildSAC(ctx)
	if err != nil || sac != nil {
		t.Fatalf("BuildSAC at timer 0 = %v, %v; want nil, nil", sac, err)
	}

	a.HandleSOF(ctx, 1)
	sac, err = a.BuildSAC(ctx)
	if err != nil {
		t.Fatalf("BuildSAC: %v", err)
	}
	// 15040 bits over one 53 ms frame
	want := []dvb.CapacityRequest{{Type: dvb.RequestRBDC, Value: 284}}
	if diff := cmp.Diff(want, sac.Requests); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}
	if st := a.State(); st.RBDCTimer != 0 || st.RBDCHistorySum != 284 {
		t.Fatalf("after send: timer %d, history %d; want 0, 284", st.RBDCTimer, st.RBDCHistorySum)
	}
	if pkt, _ := rbdc.NewArrivals(); pkt != 0 {
		t.Fatalf("arrivals not reset after RBDC request: %d", pkt)
	}

	// the previous request covers the backlog: the drop to 0 is signalled once
	a.HandleSOF(ctx, 2)
	sac, err = a.BuildSAC(ctx)
	if err != nil {
		t.Fatalf("BuildSAC: %v", err)
	}
	if sac == nil || len(sac.Requests) != 1 || sac.Requests[0].Value != 0 {
		t.Fatalf("expected a zero RBDC request, got %+v", sac)
	}

	a.HandleSOF(ctx, 3)
	sac, err = a.BuildSAC(ctx)
	if err != nil || sac != nil {
		t.Fatalf("unchanged zero request should not be sent, got %+v, %v", sac, err)
	}
}

func TestRBDCLimitExcludesCRAWhenLowestFifoIsCRA(t *testing.T) {
	ctx := context.Background()
	rbdc := mustFifo(t, "ef", fifo.PriorityEF, dama.AccessDAMARBDC)
	cra := mustFifo(t, "be", fifo.PriorityBE, dama.AccessDAMACRA)
	a := newTestAgent(t, Config{CRAKbps: 100, MaxRBDCKbps: 300, DisableVBDC: true}, cra, rbdc)
	logon(t, a, 1)
	fill(t, rbdc, 50, 188)
	a.HandleSOF(ctx, 1)

	sac, err := a.BuildSAC(ctx)
	if err != nil {
		t.Fatalf("BuildSAC: %v", err)
	}
	if got := sac.Requests[0].Value; got != 200 {
		t.Fatalf("RBDC request = %d, want 200 (max 300 minus CRA 100)", got)
	}
}

func TestVBDCCreditAndDrain(t *testing.T) {
	ctx := context.Background()
	vbdc := mustFifo(t, "af", fifo.PriorityAF, dama.AccessDAMAVBDC)
	a := newTestAgent(t, Config{MaxVBDCPkt: 3, DisableRBDC: true}, vbdc)
	logon(t, a, 1)
	fill(t, vbdc, 5, 100)

	requests := func() uint32 {
		t.Helper()
		sac, err := a.BuildSAC(ctx)
		if err != nil {
			t.Fatalf("BuildSAC: %v", err)
		}
		if sac == nil {
			return 0
		}
		return sac.Requests[0].Value
	}

	if got := requests(); got != 3 {
		t.Fatalf("first VBDC request = %d, want 3 (clamped)", got)
	}
	// the NCC backlog is saturated at max_vbdc: nothing more to ask
	if got := requests(); got != 0 {
		t.Fatalf("second VBDC request = %d, want 0", got)
	}

	grant(t, a, 1, 2)
	a.HandleSOF(ctx, 1)
	a.OnFrameTick()
	res := a.Schedule(ctx)
	if res.Packets() != 2 {
		t.Fatalf("scheduled %d packets, want 2", res.Packets())
	}
	if got := a.State().VBDCCredit; got != 1 {
		t.Fatalf("VBDC credit = %d, want 1", got)
	}
	if got := requests(); got != 2 {
		t.Fatalf("request after drain = %d, want 2", got)
	}
	if got := requests(); got != 0 {
		t.Fatalf("request with everything covered = %d, want 0", got)
	}
}

func TestVBDCRequestIsWhatTheSACCarries(t *testing.T) {
	tests := []struct {
		name    string
		backlog int
		want    uint32
	}{
		{name: "exact below 256", backlog: 100, want: 100},
		// 279 encodes as 17*16 on the wire, so the credit must not count 280
		{name: "floored above 255", backlog: 279, want: 272},
		{name: "step boundary", backlog: 264, want: 256},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			vbdc, err := fifo.New(fifo.Config{Name: "af", Priority: fifo.PriorityAF,
				Access: dama.AccessDAMAVBDC, CapacityPkt: 1000})
			if err != nil {
				t.Fatalf("fifo.New: %v", err)
			}
			a := newTestAgent(t, Config{MaxVBDCPkt: 1000, DisableRBDC: true}, vbdc)
			logon(t, a, 1)
			fill(t, vbdc, tc.backlog, 10)

			sac, err := a.BuildSAC(context.Background())
			if err != nil || sac == nil {
				t.Fatalf("BuildSAC = %v, %v", sac, err)
			}
			got := sac.Requests[0].Value
			if got != tc.want {
				t.Fatalf("VBDC request = %d, want %d", got, tc.want)
			}
			if credit := a.State().VBDCCredit; credit != got {
				t.Fatalf("VBDC credit = %d, want the requested %d", credit, got)
			}
		})
	}
}

func TestAllocationPipeline(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, Config{CarrierCapacityPktpf: 50})
	logon(t, a, 2)

	grant(t, a, 2, 12)
	a.OnFrameTick()
	if got := a.State().RemainingPktpf; got != 0 {
		t.Fatalf("allocation usable before SOF: %d", got)
	}
	a.HandleSOF(ctx, 1)
	a.OnFrameTick()
	if got := a.State().RemainingPktpf; got != 12 {
		t.Fatalf("remaining after SOF = %d, want 12", got)
	}
	// no new time plan: the next superframe has nothing
	a.HandleSOF(ctx, 2)
	a.OnFrameTick()
	if got := a.State().RemainingPktpf; got != 0 {
		t.Fatalf("remaining without TTP = %d, want 0", got)
	}
}

func TestHandleTTPRejectionsKeepState(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, Config{CarrierCapacityPktpf: 50})
	logon(t, a, 2)
	grant(t, a, 2, 10)

	wrongGroup := dvb.NewTTP(3, 0)
	wrongGroup.AddTimePlan(0, dvb.TimePlan{TalID: uint16(testTal), AssignmentCount: 5})
	if err := a.HandleTTP(ctx, wrongGroup); !errors.Is(err, ErrGroupMismatch) {
		t.Fatalf("wrong group err = %v", err)
	}

	tooMuch := dvb.NewTTP(2, 0)
	tooMuch.AddTimePlan(0, dvb.TimePlan{TalID: uint16(testTal), AssignmentCount: 40})
	tooMuch.AddTimePlan(1, dvb.TimePlan{TalID: uint16(testTal), AssignmentCount: 40})
	if err := a.HandleTTP(ctx, tooMuch); !errors.Is(err, ErrAllocationExceedsCarrier) {
		t.Fatalf("over capacity err = %v", err)
	}

	if got := a.State().AllocatedPktpf; got != 10 {
		t.Fatalf("allocation = %d, want previous 10", got)
	}
}

func TestHandleTTPSumsEntriesAcrossFrames(t *testing.T) {
	a := newTestAgent(t, Config{})
	logon(t, a, 0)
	ttp := dvb.NewTTP(0, 2)
	ttp.AddTimePlan(0, dvb.TimePlan{TalID: uint16(testTal), AssignmentCount: 3, FmtID: 2})
	ttp.AddTimePlan(0, dvb.TimePlan{TalID: 8, AssignmentCount: 30})
	ttp.AddTimePlan(1, dvb.TimePlan{TalID: uint16(testTal), AssignmentCount: 4, FmtID: 5})
	if err := a.HandleTTP(context.Background(), ttp); err != nil {
		t.Fatalf("HandleTTP: %v", err)
	}
	st := a.State()
	if st.AllocatedPktpf != 7 || st.Modcod != 5 {
		t.Fatalf("allocation %d modcod %d, want 7 and 5", st.AllocatedPktpf, st.Modcod)
	}
}

func TestSchedulePriorityAndBurstSplit(t *testing.T) {
	ctx := context.Background()
	ef := mustFifo(t, "ef", fifo.PriorityEF, dama.AccessDAMARBDC)
	be := mustFifo(t, "be", fifo.PriorityBE, dama.AccessDAMAVBDC)
	saloha := mustFifo(t, "saloha", fifo.PriorityNM, dama.AccessSaloha)
	a := newTestAgent(t, Config{}, be, saloha, ef)
	logon(t, a, 0)
	fill(t, ef, 3, 500)
	fill(t, be, 3, 500)
	fill(t, saloha, 1, 10)

	grant(t, a, 0, 4)
	a.HandleSOF(ctx, 1)
	a.OnFrameTick()
	res := a.Schedule(ctx)

	if diff := cmp.Diff(map[string]int{"ef": 3, "be": 1}, res.Sent); diff != "" {
		t.Fatalf("Sent mismatch (-want +got):\n%s", diff)
	}
	// two 500 byte packets per burst
	if len(res.Bursts) != 2 {
		t.Fatalf("got %d bursts, want 2", len(res.Bursts))
	}
	for i, b := range res.Bursts {
		if b.Len() > dvb.MaxBurstLen {
			t.Fatalf("burst %d is %d bytes", i, b.Len())
		}
		if b.Modcod != 4 {
			t.Fatalf("burst %d modcod %d, want 4", i, b.Modcod)
		}
	}
	if res.Remaining != 0 || saloha.Len() != 1 || be.Len() != 2 {
		t.Fatalf("remaining %d, saloha %d, be %d", res.Remaining, saloha.Len(), be.Len())
	}
}

func TestScheduleDropsOversizedPacket(t *testing.T) {
	ctx := context.Background()
	ef := mustFifo(t, "ef", fifo.PriorityEF, dama.AccessDAMARBDC)
	a := newTestAgent(t, Config{}, ef)
	logon(t, a, 0)
	fill(t, ef, 1, dvb.MaxBurstLen)
	fill(t, ef, 1, 100)

	grant(t, a, 0, 5)
	a.HandleSOF(ctx, 1)
	a.OnFrameTick()
	res := a.Schedule(ctx)
	if res.Dropped != 1 || res.Packets() != 1 || res.Remaining != 4 {
		t.Fatalf("dropped %d sent %d remaining %d", res.Dropped, res.Packets(), res.Remaining)
	}
}

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewAgentCollector(reg)
	if err != nil {
		t.Fatalf("NewAgentCollector: %v", err)
	}
	cfg := Config{TalID: testTal}
	a, err := New(cfg, nil, WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var codec dvb.Codec

	resp, err := codec.Encode(&dvb.LogonResponse{MAC: uint16(testTal), GroupID: 1, LogonID: 9})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := a.HandleMessage(ctx, resp); err != nil {
		t.Fatalf("HandleMessage(logon response): %v", err)
	}

	sof, err := codec.Encode(&dvb.SOF{SuperframeNumber: 42})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := a.HandleMessage(ctx, sof); err != nil {
		t.Fatalf("HandleMessage(SOF): %v", err)
	}
	if got := a.State().Superframe; got != 42 {
		t.Fatalf("superframe = %d, want 42", got)
	}

	if err := a.HandleMessage(ctx, sof[:2]); err == nil {
		t.Fatalf("truncated SOF accepted")
	}
	sac, err := codec.Encode(dvb.NewSAC(1, 1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := a.HandleMessage(ctx, sac); !errors.Is(err, dvb.ErrUnexpectedType) {
		t.Fatalf("SAC on terminal = %v, want ErrUnexpectedType", err)
	}
	if got := testutil.ToFloat64(metrics.Malformed.WithLabelValues("7", "unexpected_type")); got != 1 {
		t.Fatalf("unexpected_type rejections = %v, want 1", got)
	}
	if got := a.State().Superframe; got != 42 {
		t.Fatalf("state changed by rejected messages: sf %d", got)
	}
}

func TestDump(t *testing.T) {
	ef := mustFifo(t, "ef", fifo.PriorityEF, dama.AccessDAMARBDC)
	a := newTestAgent(t, Config{FrameDuration: 10 * time.Millisecond}, ef)
	logon(t, a, 1)
	out := a.Dump()
	for _, want := range []string{"Agent: ST7", "group 1", "ef: prio 1, DAMA_RBDC"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Dump() missing %q:\n%s", want, out)
		}
	}
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	cfg := DefaultConfig(1)
	if cfg.FrameDuration != 53*time.Millisecond || cfg.MSLSf != 23 || cfg.OBRPeriodSf != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.historySize() != 23 {
		t.Fatalf("history size = %d, want 23", cfg.historySize())
	}
	bad := cfg
	bad.OBRPeriodSf = 30
	if err := bad.Validate(); err == nil {
		t.Fatalf("OBR period above MSL accepted")
	}
	bad = cfg
	bad.MaxRBDCKbps = 70000
	if err := bad.Validate(); err == nil {
		t.Fatalf("max RBDC above 16 bits accepted")
	}
}
