package agent

import (
	"fmt"
	"strings"
)

// Dump returns a human-readable string representation of the agent state
// for debugging purposes.
func (a *Agent) Dump() string {
	st := a.State()

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("Agent: %s\n", a.cfg.TalID))
	if st.LoggedOn {
		buf.WriteString(fmt.Sprintf("Logged on: group %d, logon id %d\n", st.GroupID, st.LogonID))
	} else {
		buf.WriteString("Logged on: no\n")
	}
	buf.WriteString(fmt.Sprintf("Superframe: %d\n", st.Superframe))
	buf.WriteString(fmt.Sprintf("RBDC: timer %d sf, last request %d kbit/s, MSL sum %d kbit/s\n",
		st.RBDCTimer, st.LastRBDCKbps, st.RBDCHistorySum))
	buf.WriteString(fmt.Sprintf("VBDC credit: %d pkt\n", st.VBDCCredit))
	buf.WriteString(fmt.Sprintf("Allocation: next %d, current %d, remaining %d pktpf (modcod %d)\n",
		st.AllocatedPktpf, st.DynamicPktpf, st.RemainingPktpf, st.Modcod))

	if len(a.fifos) == 0 {
		buf.WriteString("  (no fifos)\n")
		return buf.String()
	}
	buf.WriteString("Fifos:\n")
	for _, f := range a.fifos {
		buf.WriteString(fmt.Sprintf("  - %s: prio %d, %s, %d/%d pkt, %d bytes\n",
			f.Name(), f.Priority(), f.AccessType(), f.Len(), f.Capacity(), f.LenBytes()))
	}
	return buf.String()
}
