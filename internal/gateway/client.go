package gateway

import (
	"context"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is the terminal side of the control channel.
type Client struct {
	cc    grpc.ClientConnInterface
	conn  *grpc.ClientConn
	talID uint16
}

// Dial connects to the gateway at target. The connection is traced by
// otelgrpc; opts usually carry the transport credentials.
func Dial(target string, talID uint16, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{grpc.WithStatsHandler(otelgrpc.NewClientHandler())}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn, talID: talID}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(cc grpc.ClientConnInterface, talID uint16) *Client {
	return &Client{cc: cc, talID: talID}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, talIDMetadataKey, strconv.Itoa(int(c.talID)))
}

// Send pushes one uplink frame.
func (c *Client) Send(ctx context.Context, frame []byte, opts ...grpc.CallOption) error {
	return c.cc.Invoke(c.outgoing(ctx), sendMethod, &wrapperspb.BytesValue{Value: frame}, new(emptypb.Empty), opts...)
}

// Subscribe opens the downlink stream.
func (c *Client) Subscribe(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.BytesValue], error) {
	stream, err := c.cc.NewStream(c.outgoing(ctx), &ServiceDesc.Streams[0], subscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.UInt32Value, wrapperspb.BytesValue]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(wrapperspb.UInt32(uint32(c.talID))); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
