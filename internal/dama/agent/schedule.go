package agent

import (
	"context"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
	"github.com/signalsfoundry/opensand-dama/internal/logging"
)

// ScheduleResult is the output of one frame of return link scheduling.
type ScheduleResult struct {
	Bursts []*dvb.Burst
	// Sent counts packets taken from each queue, by queue name.
	Sent map[string]int
	// Dropped counts packets too large for an empty burst.
	Dropped int
	// Remaining is the allocation left for the frame, in packets.
	Remaining uint32
}

// Packets is the number of packets placed in bursts.
func (r ScheduleResult) Packets() int {
	n := 0
	for _, c := range r.Sent {
		n += c
	}
	return n
}

// Schedule drains the DAMA queues in priority order against the allocation
// left in the current frame. Each packet uses one unit of allocation. A
// burst is closed and a new one opened when the next packet does not fit.
func (a *Agent) Schedule(ctx context.Context) ScheduleResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	res := ScheduleResult{Sent: make(map[string]int)}
	var cur *dvb.Burst
	closeBurst := func() {
		if cur != nil && len(cur.Packets) > 0 {
			res.Bursts = append(res.Bursts, cur)
		}
		cur = nil
	}

	for _, f := range a.fifos {
		if !f.AccessType().IsDAMA() {
			continue
		}
		for a.remaining > 0 {
			pkt, ok := f.Peek()
			if !ok {
				break
			}
			need := dvb.BurstPacketOverhead + len(pkt)
			if dvb.BurstOverhead+need > dvb.MaxBurstLen {
				f.Pop()
				res.Dropped++
				a.log.Warn(ctx, "packet larger than a burst dropped",
					logging.String("fifo", f.Name()),
					logging.Int("len", len(pkt)),
				)
				continue
			}
			if cur == nil || cur.Len()+need > dvb.MaxBurstLen {
				closeBurst()
				cur = &dvb.Burst{Modcod: a.modcod}
			}
			f.Pop()
			cur.Packets = append(cur.Packets, pkt)
			a.remaining--
			res.Sent[f.Name()]++
			if f.AccessType() == dama.AccessDAMAVBDC && a.vbdcCredit > 0 {
				a.vbdcCredit--
			}
		}
	}
	closeBurst()
	res.Remaining = a.remaining

	talID := uint16(a.cfg.TalID)
	a.metrics.AddScheduled(talID, len(res.Bursts), res.Sent)
	for _, f := range a.fifos {
		st := f.Stats()
		a.metrics.ObserveFifo(talID, f.Name(), st.CurrentPkt, st.DropPkt)
	}
	if res.Dropped > 0 {
		a.metrics.IncRejected(talID, "oversized_packet")
	}
	return res
}
