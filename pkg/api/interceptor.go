package api

import (
	"fmt"
	"runtime/debug"

	"github.com/cuemby/lookout/pkg/log"
	"github.com/cuemby/lookout/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StreamLogger logs each finished stream with its status code and duration
func StreamLogger() grpc.StreamServerInterceptor {
	logger := log.WithComponent("grpc")
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		timer := metrics.NewTimer()
		err := handler(srv, ss)

		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues("GRPC", code.String()).Inc()

		ev := logger.Debug()
		if code == codes.Internal || code == codes.Unknown {
			ev = logger.Error().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", timer.Duration()).
			Msg("stream finished")
		return err
	}
}

// StreamRecoverer turns a panic in a stream handler into codes.Internal
func StreamRecoverer() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if p := recover(); p != nil {
				log.Logger.Error().
					Str("method", info.FullMethod).
					Str("panic", fmt.Sprint(p)).
					Bytes("stack", debug.Stack()).
					Msg("stream handler panicked")
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()
		return handler(srv, ss)
	}
}
