package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/lookout/pkg/auth"
	"github.com/cuemby/lookout/pkg/gateway"
	"github.com/cuemby/lookout/pkg/hub"
	"github.com/cuemby/lookout/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// EventStreamService is the fully qualified gRPC service name
const EventStreamService = "lookout.v1.EventStream"

// UserMetadataKey carries the authenticated user id on gRPC calls
const UserMetadataKey = "x-lookout-user"

const subscribeMethod = "/" + EventStreamService + "/Subscribe"

// eventStreamServer is the handler type of EventStream. Requests and
// messages are google.protobuf.Struct values shaped like the JSON used by
// the websocket endpoint.
type eventStreamServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

var eventStreamDesc = grpc.ServiceDesc{
	ServiceName: EventStreamService,
	HandlerType: (*eventStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "lookout/v1/event_stream.proto",
}

var subscribeStreamDesc = &eventStreamDesc.Streams[0]

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(eventStreamServer).Subscribe(req, stream)
}

// GRPCServer serves EventStream and the standard health service
type GRPCServer struct {
	gateway *gateway.Gateway
	grpc    *grpc.Server
	health  *health.Server
	logger  zerolog.Logger
}

// NewGRPCServer creates a gRPC server streaming events from g
func NewGRPCServer(g *gateway.Gateway) *GRPCServer {
	s := &GRPCServer{
		gateway: g,
		grpc:    grpc.NewServer(grpc.ChainStreamInterceptor(StreamLogger(), StreamRecoverer())),
		health:  health.NewServer(),
		logger:  log.WithComponent("grpc"),
	}
	s.grpc.RegisterService(&eventStreamDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(EventStreamService, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Start listens on addr and serves until Stop
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// Stop marks the service not serving and stops the server, forcing open
// streams closed after timeout
func (s *GRPCServer) Stop(timeout time.Duration) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpc.Stop()
	}
}

// Subscribe streams events for one application until the client goes away
// or the connection is closed server side
func (s *GRPCServer) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()

	r, err := s.handshake(ctx, req)
	if err != nil {
		code, reason := grpcRejection(err)
		s.gateway.Rejected(gateway.TransportGRPC, reason, peerAddr(ctx), err)
		return status.Error(code, err.Error())
	}

	conn := newStreamConn(stream)
	sub, err := s.gateway.Open(r, gateway.TransportGRPC, conn)
	if err != nil {
		if errors.Is(err, hub.ErrDuplicateConnection) {
			return status.Error(codes.AlreadyExists, err.Error())
		}
		if errors.Is(err, hub.ErrClosed) {
			return status.Error(codes.Unavailable, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	defer s.gateway.Close(sub.ConnectionID, conn)

	if err := conn.Send(ctx, gateway.WelcomeMessage(sub)); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-conn.done:
		return status.Error(codes.Unavailable, "connection closed by server")
	}
}

func (s *GRPCServer) handshake(ctx context.Context, req *structpb.Struct) (*gateway.Request, error) {
	appRaw, levels, err := subscribeParams(req)
	if err != nil {
		return nil, err
	}
	return s.gateway.Authorize(ctx, appRaw, userFromMetadata(ctx), levels)
}

func subscribeParams(req *structpb.Struct) (string, []string, error) {
	fields := req.GetFields()

	var appRaw string
	switch v := fields["application"].GetKind().(type) {
	case *structpb.Value_NumberValue:
		if v.NumberValue != float64(int64(v.NumberValue)) {
			return "", nil, fmt.Errorf("%w: %v is not an integer", hub.ErrInvalidApplication, v.NumberValue)
		}
		appRaw = strconv.FormatInt(int64(v.NumberValue), 10)
	case *structpb.Value_StringValue:
		appRaw = v.StringValue
	}

	var levels []string
	for _, l := range fields["levels"].GetListValue().GetValues() {
		levels = append(levels, l.GetStringValue())
	}
	return appRaw, levels, nil
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

func userFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(UserMetadataKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

func grpcRejection(err error) (codes.Code, string) {
	switch {
	case errors.Is(err, hub.ErrInvalidApplication):
		return codes.InvalidArgument, "invalid_application"
	case errors.Is(err, auth.ErrUnauthenticated):
		return codes.Unauthenticated, "unauthenticated"
	case errors.Is(err, auth.ErrForbidden):
		return codes.PermissionDenied, "forbidden"
	case errors.Is(err, gateway.ErrInvalidLevels):
		return codes.InvalidArgument, "invalid_levels"
	default:
		return codes.Internal, "error"
	}
}

// streamConn adapts a server stream to gateway.Conn. SendMsg is not safe
// for concurrent use, so writes are serialized.
type streamConn struct {
	stream grpc.ServerStream

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newStreamConn(stream grpc.ServerStream) *streamConn {
	return &streamConn{stream: stream, done: make(chan struct{})}
}

func (c *streamConn) Send(ctx context.Context, msg *gateway.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := messageToStruct(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return gateway.ErrConnectionGone
	}
	return c.stream.SendMsg(st)
}

func (c *streamConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func messageToStruct(msg *gateway.Message) (*structpb.Struct, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	st := new(structpb.Struct)
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, err
	}
	return st, nil
}

func structToMessage(st *structpb.Struct) (*gateway.Message, error) {
	data, err := protojson.Marshal(st)
	if err != nil {
		return nil, err
	}
	var msg gateway.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
