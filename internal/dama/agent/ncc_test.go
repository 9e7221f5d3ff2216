package agent

import (
	"context"
	"testing"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/controller"
	"github.com/signalsfoundry/opensand-dama/internal/dama/fifo"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
)

// runAgainstNCC drives one agent and a controller through sfs superframes
// of one frame each, every control message crossing the wire codec.
func runAgainstNCC(t *testing.T, a *Agent, ctrl *controller.Controller, sfs uint32) {
	t.Helper()
	ctx := context.Background()
	var codec dvb.Codec

	resp, err := ctrl.HandleLogon(ctx, a.LogonRequest())
	if err != nil {
		t.Fatalf("HandleLogon: %v", err)
	}
	if err := a.HandleLogonResponse(ctx, resp); err != nil {
		t.Fatalf("HandleLogonResponse: %v", err)
	}

	for sf := uint32(1); sf <= sfs; sf++ {
		a.HandleSOF(ctx, sf)
		sac, err := a.BuildSAC(ctx)
		if err != nil {
			t.Fatalf("sf %d: BuildSAC: %v", sf, err)
		}
		if sac != nil {
			data, err := codec.Encode(sac)
			if err != nil {
				t.Fatalf("sf %d: encode SAC: %v", sf, err)
			}
			if _, err := ctrl.HandleMessage(ctx, data); err != nil {
				t.Fatalf("sf %d: NCC refused the SAC: %v", sf, err)
			}
		}
		ttp, err := ctrl.RunSuperframe(ctx, sf)
		if err != nil {
			t.Fatalf("sf %d: RunSuperframe: %v", sf, err)
		}
		data, err := codec.Encode(ttp)
		if err != nil {
			t.Fatalf("sf %d: encode TTP: %v", sf, err)
		}
		if err := a.HandleMessage(ctx, data); err != nil {
			t.Fatalf("sf %d: agent refused the TTP: %v", sf, err)
		}
		a.OnFrameTick()
		a.Schedule(ctx)
	}
}

func TestVBDCBacklogDrainsAgainstTheNCC(t *testing.T) {
	tests := []struct {
		name       string
		backlog    int
		maxVBDCPkt uint32
	}{
		// requests above 255 packets are quantised in steps of 16
		{name: "backlog not a multiple of the step", backlog: 279, maxVBDCPkt: 1000},
		// the NCC saturates its backlog at max_vbdc
		{name: "backlog above max_vbdc", backlog: 200, maxVBDCPkt: 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			vbdc, err := fifo.New(fifo.Config{Name: "af", Priority: fifo.PriorityAF,
				Access: dama.AccessDAMAVBDC, CapacityPkt: 1000})
			if err != nil {
				t.Fatalf("fifo.New: %v", err)
			}
			a := newTestAgent(t, Config{MaxVBDCPkt: tc.maxVBDCPkt, DisableRBDC: true}, vbdc)
			ctrl, err := controller.New(controller.Config{GroupID: 1, CapacityPktpf: 50})
			if err != nil {
				t.Fatalf("controller.New: %v", err)
			}
			fill(t, vbdc, tc.backlog, 100)

			runAgainstNCC(t, a, ctrl, 30)

			if n := vbdc.Len(); n != 0 {
				t.Fatalf("%d packets left in the VBDC queue", n)
			}
			if credit := a.State().VBDCCredit; credit != 0 {
				t.Fatalf("VBDC credit = %d after the drain, want 0", credit)
			}
			snap, ok := ctrl.Terminal(testTal)
			if !ok {
				t.Fatalf("terminal %s not logged on", testTal)
			}
			if snap.VBDCRequest != 0 {
				t.Fatalf("NCC VBDC backlog = %d after the drain, want 0", snap.VBDCRequest)
			}
		})
	}
}
