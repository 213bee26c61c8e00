package middleware

import (
	"context"
	"time"

	"dropproof/pkg/errutil"
	"dropproof/pkg/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryLogging logs every unary call with its status code and latency, and
// converts domain errors into gRPC statuses.
func UnaryLogging() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		start := time.Now()
		resp, err = handler(ctx, req)
		err = errutil.ToGRPCError(err)

		log := logger.FromContext(ctx,
			zap.String("grpc_method", info.FullMethod),
			zap.String("grpc_code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		if err != nil {
			log.Warn("grpc call failed", zap.Error(err))
		} else {
			log.Debug("grpc call")
		}
		return resp, err
	}
}
