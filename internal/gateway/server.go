package gateway

import (
	"context"
	"sync"

	"github.com/gopacket/gopacket"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/opensand-dama/internal/dama/controller"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
	"github.com/signalsfoundry/opensand-dama/internal/logging"
	"github.com/signalsfoundry/opensand-dama/internal/observability"
)

// defaultSubscriberBuffer is the number of downlink frames queued per
// subscriber before frames are dropped for it.
const defaultSubscriberBuffer = 64

// Server is the NCC side of the control channel.
type Server struct {
	ctrl    *controller.Controller
	codec   dvb.Codec
	log     logging.Logger
	metrics *observability.GatewayCollector
	buffer  int

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

type subscriber struct {
	talID   uint32
	frames  chan []byte
	dropped int
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l logging.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithServerMetrics records relayed frames and subscribers.
func WithServerMetrics(m *observability.GatewayCollector) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithCodec sets the SAC entry layout used on the channel.
func WithCodec(c dvb.Codec) ServerOption {
	return func(s *Server) { s.codec = c }
}

// WithSubscriberBuffer sets the per subscriber downlink queue length.
func WithSubscriberBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// NewServer returns a Server relaying frames to and from ctrl.
func NewServer(ctrl *controller.Controller, opts ...ServerOption) *Server {
	s := &Server{
		ctrl:   ctrl,
		log:    logging.Noop(),
		buffer: defaultSubscriberBuffer,
		subs:   make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewGRPCServer returns a gRPC server with s registered, traced by otelgrpc
// and instrumented by m when not nil.
func NewGRPCServer(s *Server, m *observability.GatewayCollector, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			LoggerUnaryServerInterceptor(s.log),
			TracingUnaryServerInterceptor(),
			m.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(m.StreamServerInterceptor()),
	}
	gs := grpc.NewServer(append(base, opts...)...)
	RegisterGatewayServer(gs, s)
	return gs
}

// Send hands an uplink frame to the controller. A logon response produced
// by the controller is broadcast on the downlink.
func (s *Server) Send(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	log := logging.FromContextOr(ctx, s.log)
	data := in.GetValue()
	s.metrics.IncFrame("up", msgTypeLabel(data))

	reply, err := s.ctrl.HandleMessage(ctx, data)
	if err != nil {
		log.Debug(ctx, "uplink frame refused", logging.Error(err))
		return nil, ToStatusError(err)
	}
	if reply != nil {
		out, err := s.codec.Encode(reply)
		if err != nil {
			return nil, ToStatusError(err)
		}
		s.Publish(ctx, out)
	}
	return &emptypb.Empty{}, nil
}

// Subscribe streams downlink frames to one terminal.
func (s *Server) Subscribe(in *wrapperspb.UInt32Value, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	ctx := stream.Context()
	id, sub := s.subscribe(in.GetValue())
	defer s.unsubscribe(ctx, id)

	s.log.Info(ctx, "terminal subscribed", logging.Uint32("tal_id", sub.talID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-sub.frames:
			if err := stream.Send(&wrapperspb.BytesValue{Value: frame}); err != nil {
				return err
			}
		}
	}
}

func (s *Server) subscribe(talID uint32) (uint64, *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sub := &subscriber{talID: talID, frames: make(chan []byte, s.buffer)}
	s.subs[s.nextID] = sub
	s.metrics.AddSubscribers(1)
	return s.nextID, sub
}

func (s *Server) unsubscribe(ctx context.Context, id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.metrics.AddSubscribers(-1)
	s.log.Info(ctx, "terminal unsubscribed",
		logging.Uint32("tal_id", sub.talID),
		logging.Int("dropped_frames", sub.dropped),
	)
}

// Subscribers returns the number of open downlink streams.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Publish queues a downlink frame on every subscriber. A subscriber whose
// queue is full misses the frame.
func (s *Server) Publish(ctx context.Context, frame []byte) {
	s.metrics.IncFrame("down", msgTypeLabel(frame))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.frames <- frame:
		default:
			sub.dropped++
			s.log.Warn(ctx, "downlink frame dropped for slow subscriber", logging.Uint32("tal_id", sub.talID))
		}
	}
}

// Superframe broadcasts the start of superframe sf, runs the allocation
// pass and broadcasts the resulting time plan. A failed pass still
// broadcasts the CRA only time plan it returns.
func (s *Server) Superframe(ctx context.Context, sf uint32) error {
	sof, err := s.codec.Encode(&dvb.SOF{SuperframeNumber: uint16(sf)})
	if err != nil {
		return err
	}
	s.Publish(ctx, sof)

	ttp, passErr := s.ctrl.RunSuperframe(ctx, sf)
	if ttp != nil {
		data, err := s.codec.Encode(ttp)
		if err != nil {
			return err
		}
		s.Publish(ctx, data)
	}
	return passErr
}

func msgTypeLabel(frame []byte) string {
	hdr := &dvb.Header{}
	if err := hdr.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return "malformed"
	}
	return hdr.Type.String()
}
