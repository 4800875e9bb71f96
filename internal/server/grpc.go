package server

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	pb "github.com/glinharesb/quorum-vault/api/authority/v1"
	"github.com/glinharesb/quorum-vault/internal/audit"
	"github.com/glinharesb/quorum-vault/internal/coordinator"
	"github.com/glinharesb/quorum-vault/internal/interceptor"
)

type Options struct {
	AuthToken    string
	RateLimitRPS int
	Log          *slog.Logger
	Metrics      interceptor.RPCObserver
	// Creds enables TLS. Plaintext when nil.
	Creds credentials.TransportCredentials
}

// NewGRPCServer builds a gRPC server with the interceptor chain and all
// three services registered.
func NewGRPCServer(svc *coordinator.Service, auditLog *audit.Logger, o Options) *grpc.Server {
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	unary := []grpc.UnaryServerInterceptor{
		interceptor.RecoveryUnary(log),
		interceptor.LoggingUnary(log),
	}
	stream := []grpc.StreamServerInterceptor{
		interceptor.RecoveryStream(log),
		interceptor.LoggingStream(log),
	}
	if o.Metrics != nil {
		unary = append(unary, interceptor.MetricsUnary(o.Metrics))
		stream = append(stream, interceptor.MetricsStream(o.Metrics))
	}
	unary = append(unary,
		interceptor.RateLimitUnary(o.RateLimitRPS),
		interceptor.AuthUnary(o.AuthToken),
	)
	stream = append(stream,
		interceptor.RateLimitStream(o.RateLimitRPS),
		interceptor.AuthStream(o.AuthToken),
	)

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
	if o.Creds != nil {
		opts = append(opts, grpc.Creds(o.Creds))
	}
	srv := grpc.NewServer(opts...)
	pb.RegisterAuthorityServiceServer(srv, NewAuthorityServer(svc))
	pb.RegisterAdminServiceServer(srv, NewAdminServer(svc))
	pb.RegisterAuditServiceServer(srv, NewAuditServer(auditLog))
	return srv
}
