package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// AgentCollector exposes terminal-side DAMA metrics. Every series carries the
// terminal id so several agents can share one registry.
type AgentCollector struct {
	gatherer prometheus.Gatherer

	RequestsSent    *prometheus.CounterVec
	LastRequest     *prometheus.GaugeVec
	Allocation      *prometheus.GaugeVec
	FifoOccupancy   *prometheus.GaugeVec
	FifoDrops       *prometheus.CounterVec
	FramesScheduled *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	Malformed       *prometheus.CounterVec
}

// NewAgentCollector registers agent metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewAgentCollector(reg prometheus.Registerer) (*AgentCollector, error) {
	reg, gatherer := registererAndGatherer(reg)

	sent, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dama_agent_requests_sent_total",
		Help: "Capacity requests sent in SAC messages, by terminal and request type.",
	}, []string{"tal_id", "type"}), "dama_agent_requests_sent_total")
	if err != nil {
		return nil, err
	}

	last, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dama_agent_last_request",
		Help: "Value of the last computed request (kbit/s for rbdc, packets for vbdc).",
	}, []string{"tal_id", "type"}), "dama_agent_last_request")
	if err != nil {
		return nil, err
	}

	alloc, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dama_agent_allocation_packets",
		Help: "Packets per frame allocated to the terminal by the last applied time plan.",
	}, []string{"tal_id"}), "dama_agent_allocation_packets")
	if err != nil {
		return nil, err
	}

	occupancy, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dama_agent_fifo_packets",
		Help: "Packets queued in a terminal fifo.",
	}, []string{"tal_id", "fifo"}), "dama_agent_fifo_packets")
	if err != nil {
		return nil, err
	}

	drops, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dama_agent_fifo_drops_total",
		Help: "Packets dropped because a terminal fifo was full.",
	}, []string{"tal_id", "fifo"}), "dama_agent_fifo_drops_total")
	if err != nil {
		return nil, err
	}

	frames, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dama_agent_frames_total",
		Help: "DVB-RCS bursts produced by the return link scheduler.",
	}, []string{"tal_id"}), "dama_agent_frames_total")
	if err != nil {
		return nil, err
	}

	packets, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dama_agent_packets_sent_total",
		Help: "Encapsulated packets scheduled on the return link, by fifo.",
	}, []string{"tal_id", "fifo"}), "dama_agent_packets_sent_total")
	if err != nil {
		return nil, err
	}

	malformed, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dama_agent_rejected_messages_total",
		Help: "SOF and time plan messages ignored by the agent, by reason.",
	}, []string{"tal_id", "reason"}), "dama_agent_rejected_messages_total")
	if err != nil {
		return nil, err
	}

	return &AgentCollector{
		gatherer:        gatherer,
		RequestsSent:    sent,
		LastRequest:     last,
		Allocation:      alloc,
		FifoOccupancy:   occupancy,
		FifoDrops:       drops,
		FramesScheduled: frames,
		PacketsSent:     packets,
		Malformed:       malformed,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *AgentCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func talLabel(talID uint16) string { return strconv.Itoa(int(talID)) }

// ObserveRequest records a computed request and whether it was sent.
func (c *AgentCollector) ObserveRequest(talID uint16, kind string, value uint32, sent bool) {
	if c == nil {
		return
	}
	if c.LastRequest != nil {
		c.LastRequest.WithLabelValues(talLabel(talID), kind).Set(float64(value))
	}
	if sent && c.RequestsSent != nil {
		c.RequestsSent.WithLabelValues(talLabel(talID), kind).Inc()
	}
}

// SetAllocation records the per-frame allocation in packets.
func (c *AgentCollector) SetAllocation(talID uint16, pkt uint32) {
	if c == nil || c.Allocation == nil {
		return
	}
	c.Allocation.WithLabelValues(talLabel(talID)).Set(float64(pkt))
}

// ObserveFifo records the occupancy and the drops of one fifo.
func (c *AgentCollector) ObserveFifo(talID uint16, fifo string, queued, dropped int) {
	if c == nil {
		return
	}
	if c.FifoOccupancy != nil {
		c.FifoOccupancy.WithLabelValues(talLabel(talID), fifo).Set(float64(queued))
	}
	if dropped > 0 && c.FifoDrops != nil {
		c.FifoDrops.WithLabelValues(talLabel(talID), fifo).Add(float64(dropped))
	}
}

// AddScheduled counts bursts and per-fifo packets produced by one frame tick.
func (c *AgentCollector) AddScheduled(talID uint16, frames int, perFifo map[string]int) {
	if c == nil {
		return
	}
	if frames > 0 && c.FramesScheduled != nil {
		c.FramesScheduled.WithLabelValues(talLabel(talID)).Add(float64(frames))
	}
	if c.PacketsSent == nil {
		return
	}
	for fifo, n := range perFifo {
		if n > 0 {
			c.PacketsSent.WithLabelValues(talLabel(talID), fifo).Add(float64(n))
		}
	}
}

// IncRejected counts an ignored SOF or time plan.
func (c *AgentCollector) IncRejected(talID uint16, reason string) {
	if c == nil || c.Malformed == nil {
		return
	}
	c.Malformed.WithLabelValues(talLabel(talID), reason).Inc()
}
