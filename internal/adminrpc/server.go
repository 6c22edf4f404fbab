package adminrpc

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// NewServer creates a gRPC server with recovery, logging and token
// interceptors. An empty token disables authentication.
func NewServer(token string, logger zerolog.Logger) *grpc.Server {
	logger = logger.With().Str("component", "grpc").Logger()

	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
			logger.Error().
				Interface("panic", p).
				Msg("recovered from panic in gRPC handler")
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}

	return grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			loggingInterceptor(logger),
			authInterceptor(token),
		)),

		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),

		grpc.MaxRecvMsgSize(4 * 1024 * 1024), // 4MB
		grpc.MaxSendMsgSize(4 * 1024 * 1024), // 4MB
	)
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Info()
		if err != nil {
			event = logger.Warn().Str("code", status.Code(err).String())
		}
		event.
			Str("method", info.FullMethod).
			Dur("duration_ms", time.Since(start)).
			Err(err).
			Msg("grpc request completed")
		return resp, err
	}
}

func authInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if token == "" {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing authorization")
		}
		got := strings.TrimPrefix(values[0], "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return nil, status.Errorf(codes.Unauthenticated, "invalid admin token")
		}
		return handler(ctx, req)
	}
}
