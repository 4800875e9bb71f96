package interceptor

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// requestScoped is implemented by messages that name a signing request.
type requestScoped interface {
	GetRequestID() string
}

// RecoveryUnary catches panics in unary handlers and returns Internal.
// The log entry and the returned status share an incident id, and the
// entry names the signing request when the message carries one.
func RecoveryUnary(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(log, info.FullMethod, peerAddr(ctx), requestIDOf(req), r)
			}
		}()
		return handler(ctx, req)
	}
}

// RecoveryStream catches panics in stream handlers.
func RecoveryStream(log *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		rs := &scopedStream{ServerStream: ss}
		defer func() {
			if r := recover(); r != nil {
				err = recovered(log, info.FullMethod, peerAddr(ss.Context()), rs.requestID, r)
			}
		}()
		return handler(srv, rs)
	}
}

func recovered(log *slog.Logger, method, peer, requestID string, r any) error {
	incident := uuid.NewString()
	attrs := []any{
		"method", method,
		"incident", incident,
		"peer", peer,
		"panic", r,
		"stack", string(debug.Stack()),
	}
	if requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	log.Error("panic recovered", attrs...)
	return status.Errorf(codes.Internal, "internal error (incident %s)", incident)
}

func requestIDOf(msg any) string {
	if rs, ok := msg.(requestScoped); ok {
		return rs.GetRequestID()
	}
	return ""
}

// scopedStream remembers the request id of the last message received.
type scopedStream struct {
	grpc.ServerStream
	requestID string
}

func (s *scopedStream) RecvMsg(m any) error {
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return err
	}
	if id := requestIDOf(m); id != "" {
		s.requestID = id
	}
	return nil
}
