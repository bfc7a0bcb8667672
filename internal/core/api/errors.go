package api

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/l7plane/internal/types"
)

// Error mapping:
//   validation errors        -> INVALID_ARGUMENT
//   DuplicateName            -> ALREADY_EXISTS
//   PendingCreate/Delete     -> FAILED_PRECONDITION
//   InUse, listener in use   -> FAILED_PRECONDITION
//   unknown entity/listener  -> NOT_FOUND
//   lost status CAS          -> ABORTED
//   connection errors        -> UNAVAILABLE
//   context timeouts         -> DEADLINE_EXCEEDED
//   everything else          -> INTERNAL

// ToStatus converts a domain error to a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var ve *types.ValidationError
	if errors.As(err, &ve) {
		switch ve.Reason {
		case types.ReasonDuplicateName:
			return status.Error(codes.AlreadyExists, ve.Error())
		case types.ReasonPendingCreate, types.ReasonPendingDelete, types.ReasonInUse:
			return status.Error(codes.FailedPrecondition, ve.Error())
		default:
			return status.Error(codes.InvalidArgument, ve.Error())
		}
	}

	switch {
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrListenerNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrListenerExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, types.ErrListenerInUse), errors.Is(err, types.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, types.ErrStatusConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.Is(err, types.ErrSchemaMismatch):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ErrorInterceptor maps handler errors with ToStatus.
func ErrorInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return nil, ToStatus(err)
		}
		return resp, nil
	}
}

// TimeoutInterceptor bounds every request by d.
func TimeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if d <= 0 {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs one line per request with its status code.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	log := logger.With().Str("component", "api").Logger()
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		ev := log.Debug()
		switch code {
		case codes.OK, codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.FailedPrecondition:
		case codes.Internal, codes.Unavailable, codes.Unknown:
			ev = log.Error()
		default:
			ev = log.Warn()
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("request")
		return resp, err
	}
}
