package api

import (
	"context"
	"fmt"

	"github.com/cuemby/lookout/pkg/gateway"
	"github.com/cuemby/lookout/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// StreamClient subscribes to EventStream over gRPC
type StreamClient struct {
	conn *grpc.ClientConn
}

// DialGRPC creates a client for addr. Without options the connection is
// plaintext.
func DialGRPC(addr string, opts ...grpc.DialOption) (*StreamClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &StreamClient{conn: conn}, nil
}

// Close closes the underlying connection
func (c *StreamClient) Close() error {
	return c.conn.Close()
}

// Healthy reports whether the server's EventStream service is serving
func (c *StreamClient) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: EventStreamService})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// EventSubscription is an open EventStream.Subscribe call
type EventSubscription struct {
	stream  grpc.ClientStream
	Welcome *gateway.Message
}

// Subscribe opens a stream for appID as userID and waits for the welcome
func (c *StreamClient) Subscribe(ctx context.Context, userID string, appID int64, levels []types.Level) (*EventSubscription, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, UserMetadataKey, userID)

	names := make([]any, len(levels))
	for i, l := range levels {
		names[i] = string(l)
	}
	req, err := structpb.NewStruct(map[string]any{
		"application": appID,
		"levels":      names,
	})
	if err != nil {
		return nil, err
	}

	stream, err := c.conn.NewStream(ctx, subscribeStreamDesc, subscribeMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	sub := &EventSubscription{stream: stream}
	msg, err := sub.Next()
	if err != nil {
		return nil, err
	}
	if msg.Type != gateway.MessageWelcome {
		return nil, fmt.Errorf("expected welcome, got %s", msg.Type)
	}
	sub.Welcome = msg
	return sub, nil
}

// Next blocks for the next message on the stream
func (s *EventSubscription) Next() (*gateway.Message, error) {
	st := new(structpb.Struct)
	if err := s.stream.RecvMsg(st); err != nil {
		return nil, err
	}
	return structToMessage(st)
}
