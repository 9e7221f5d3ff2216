package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ControllerCollector exposes the NCC DAMA statistics computed once per
// superframe.
type ControllerCollector struct {
	gatherer prometheus.Gatherer

	LoggedTerminals    prometheus.Gauge
	AllocationKbps     *prometheus.GaugeVec
	RequestsTotal      *prometheus.CounterVec
	RequestSum         *prometheus.GaugeVec
	FairShare          prometheus.Gauge
	AllocationDuration prometheus.Histogram
	DroppedTotal       *prometheus.CounterVec
	LogonsTotal        prometheus.Counter
	LogoffsTotal       *prometheus.CounterVec
}

// NewControllerCollector registers controller metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewControllerCollector(reg prometheus.Registerer) (*ControllerCollector, error) {
	reg, gatherer := registererAndGatherer(reg)

	logged, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dama_logged_terminals",
		Help: "Number of terminals currently logged on at the NCC.",
	}), "dama_logged_terminals")
	if err != nil {
		return nil, err
	}

	alloc, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dama_allocation_kbps",
		Help: "Capacity allocated during the last superframe, by category.",
	}, []string{"category"}), "dama_allocation_kbps")
	if err != nil {
		return nil, err
	}

	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dama_requests_total",
		Help: "Capacity requests accepted by the NCC, by request type.",
	}, []string{"type"}), "dama_requests_total")
	if err != nil {
		return nil, err
	}

	requestSum, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dama_request_sum",
		Help: "Sum of the requests pending at the start of the last allocation pass (kbit/s for rbdc, packets for vbdc).",
	}, []string{"type"}), "dama_request_sum")
	if err != nil {
		return nil, err
	}

	fairShare, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dama_rbdc_fair_share",
		Help: "Ratio of total RBDC demand to the capacity left for RBDC in the last pass.",
	}), "dama_rbdc_fair_share")
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dama_allocation_duration_seconds",
		Help:    "Duration of one superframe allocation pass.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}), "dama_allocation_duration_seconds")
	if err != nil {
		return nil, err
	}

	dropped, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dama_dropped_messages_total",
		Help: "Control messages dropped by the NCC, by reason.",
	}, []string{"reason"}), "dama_dropped_messages_total")
	if err != nil {
		return nil, err
	}

	logons, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dama_logons_total",
		Help: "Logon requests accepted by the NCC.",
	}), "dama_logons_total")
	if err != nil {
		return nil, err
	}

	logoffs, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dama_logoffs_total",
		Help: "Terminals removed from the NCC, by reason.",
	}, []string{"reason"}), "dama_logoffs_total")
	if err != nil {
		return nil, err
	}

	return &ControllerCollector{
		gatherer:           gatherer,
		LoggedTerminals:    logged,
		AllocationKbps:     alloc,
		RequestsTotal:      requests,
		RequestSum:         requestSum,
		FairShare:          fairShare,
		AllocationDuration: duration,
		DroppedTotal:       dropped,
		LogonsTotal:        logons,
		LogoffsTotal:       logoffs,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ControllerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetLoggedTerminals updates the logged terminal gauge.
func (c *ControllerCollector) SetLoggedTerminals(n int) {
	if c == nil || c.LoggedTerminals == nil {
		return
	}
	c.LoggedTerminals.Set(float64(n))
}

// SetAllocation records the allocation of one category in kbit/s.
func (c *ControllerCollector) SetAllocation(category string, kbps float64) {
	if c == nil || c.AllocationKbps == nil {
		return
	}
	c.AllocationKbps.WithLabelValues(category).Set(kbps)
}

// IncRequest counts one accepted request of the given type.
func (c *ControllerCollector) IncRequest(kind string) {
	if c == nil || c.RequestsTotal == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(kind).Inc()
}

// SetRequestSum records the pending demand of one request type.
func (c *ControllerCollector) SetRequestSum(kind string, sum float64) {
	if c == nil || c.RequestSum == nil {
		return
	}
	c.RequestSum.WithLabelValues(kind).Set(sum)
}

// SetFairShare records the RBDC fair share ratio.
func (c *ControllerCollector) SetFairShare(ratio float64) {
	if c == nil || c.FairShare == nil {
		return
	}
	if ratio < 0 {
		ratio = 0
	}
	c.FairShare.Set(ratio)
}

// ObserveAllocation records the duration of one allocation pass.
func (c *ControllerCollector) ObserveAllocation(d time.Duration) {
	if c == nil || c.AllocationDuration == nil {
		return
	}
	c.AllocationDuration.Observe(d.Seconds())
}

// IncDropped counts a dropped control message.
func (c *ControllerCollector) IncDropped(reason string) {
	if c == nil || c.DroppedTotal == nil {
		return
	}
	c.DroppedTotal.WithLabelValues(reason).Inc()
}

// IncLogon counts an accepted logon.
func (c *ControllerCollector) IncLogon() {
	if c == nil || c.LogonsTotal == nil {
		return
	}
	c.LogonsTotal.Inc()
}

// IncLogoff counts a removed terminal.
func (c *ControllerCollector) IncLogoff(reason string) {
	if c == nil || c.LogoffsTotal == nil {
		return
	}
	c.LogoffsTotal.WithLabelValues(reason).Inc()
}
