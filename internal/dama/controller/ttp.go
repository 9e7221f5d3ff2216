package controller

import (
	"github.com/signalsfoundry/opensand-dama/internal/dama/terminal"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
)

// ttpLookahead is the number of superframes between the allocation pass and
// the superframe the time plan applies to.
const ttpLookahead = 2

// buildTTP writes one time plan entry per terminal with a non-zero
// allocation. Totals above the 16-bit assignment field continue in the
// following frames. Terminals without a usable FMT get nothing.
func buildTTP(groupID uint16, sf uint32, terminals []*terminal.Context) *dvb.TTP {
	ttp := dvb.NewTTP(groupID, uint16(sf+ttpLookahead))
	for _, t := range terminals {
		if t.FmtID() == 0 {
			continue
		}
		remaining := t.TotalAllocation()
		for frame := 0; remaining > 0 && frame <= 0xff; frame++ {
			chunk := min(remaining, dvb.MaxAssignment)
			ttp.AddTimePlan(uint8(frame), dvb.TimePlan{
				TalID:           uint16(t.TalID()),
				AssignmentCount: uint16(chunk),
				FmtID:           t.FmtID(),
			})
			remaining -= chunk
		}
	}
	return ttp
}
