package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// GatewayCollector bundles Prometheus metrics for the control channel gateway
// and provides helpers to wire them into gRPC servers and HTTP handlers.
type GatewayCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	FramesRelayed *prometheus.CounterVec
	Subscribers   prometheus.Gauge
}

// NewGatewayCollector registers gateway Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewGatewayCollector(reg prometheus.Registerer) (*GatewayCollector, error) {
	reg, gatherer := registererAndGatherer(reg)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of handled gateway RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	requests, err := register(reg, requests, "gateway_requests_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Gateway RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "method"})
	durations, err = register(reg, durations, "gateway_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	frames, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_frames_total",
		Help: "DVB control frames relayed by the gateway, by direction and message type.",
	}, []string{"direction", "msg_type"}), "gateway_frames_total")
	if err != nil {
		return nil, err
	}

	subscribers, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_subscribers",
		Help: "Terminals currently subscribed to the downlink stream.",
	}), "gateway_subscribers")
	if err != nil {
		return nil, err
	}

	return &GatewayCollector{
		gatherer:      gatherer,
		RPCRequests:   requests,
		RPCDurations:  durations,
		FramesRelayed: frames,
		Subscribers:   subscribers,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *GatewayCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observeRPC(fullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor records one request and the stream lifetime for
// streaming RPCs.
func (c *GatewayCollector) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)

		if c == nil {
			return err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observeRPC(fullMethod, err, start)
		return err
	}
}

func (c *GatewayCollector) observeRPC(fullMethod string, err error, start time.Time) {
	service, method := SplitMethod(fullMethod)
	code := status.Code(err).String()

	if c.RPCRequests != nil {
		c.RPCRequests.WithLabelValues(service, method, code).Inc()
	}
	if c.RPCDurations != nil {
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *GatewayCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// IncFrame counts one relayed frame. Direction is "up" (terminal to NCC) or
// "down".
func (c *GatewayCollector) IncFrame(direction, msgType string) {
	if c == nil || c.FramesRelayed == nil {
		return
	}
	c.FramesRelayed.WithLabelValues(direction, msgType).Inc()
}

// AddSubscribers adjusts the subscriber gauge by delta.
func (c *GatewayCollector) AddSubscribers(delta int) {
	if c == nil || c.Subscribers == nil {
		return
	}
	c.Subscribers.Add(float64(delta))
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}
