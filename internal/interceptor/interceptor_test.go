package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	pb "github.com/glinharesb/quorum-vault/api/authority/v1"
)

var info = &grpc.UnaryServerInfo{FullMethod: "/quorum.v1.AuthorityService/GetRequest"}

func okHandler(context.Context, any) (any, error) { return "ok", nil }

func withToken(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
}

func TestAuthUnary(t *testing.T) {
	auth := AuthUnary("secret")

	if _, err := auth(withToken("secret"), nil, info, okHandler); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	for name, ctx := range map[string]context.Context{
		"no metadata": context.Background(),
		"no header":   metadata.NewIncomingContext(context.Background(), metadata.Pairs()),
		"wrong token": withToken("guess"),
	} {
		_, err := auth(ctx, nil, info, okHandler)
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("%s: expected Unauthenticated, got %v", name, err)
		}
	}

	if _, err := AuthUnary("")(withToken(""), nil, info, okHandler); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("empty configured token must reject, got %v", err)
	}
}

func TestBearerCredentials(t *testing.T) {
	md, err := BearerCredentials{Token: "secret"}.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if md["authorization"] != "Bearer secret" {
		t.Fatalf("unexpected metadata %v", md)
	}
	if !(BearerCredentials{}).RequireTransportSecurity() {
		t.Fatal("credentials should require TLS unless marked insecure")
	}
}

func TestRateLimitUnary(t *testing.T) {
	limit := RateLimitUnary(2)
	for i := range 2 {
		if _, err := limit(context.Background(), nil, info, okHandler); err != nil {
			t.Fatalf("call %d rejected: %v", i, err)
		}
	}
	_, err := limit(context.Background(), nil, info, okHandler)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}

	unlimited := RateLimitUnary(0)
	for range 100 {
		if _, err := unlimited(context.Background(), nil, info, okHandler); err != nil {
			t.Fatalf("disabled limiter rejected a call: %v", err)
		}
	}
}

func TestRecoveryUnary(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := RecoveryUnary(log)(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func panicEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestRecoveryUnaryNamesSigningRequest(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	req := &pb.GetRequestRequest{RequestID: "req-42"}
	_, err := RecoveryUnary(log)(context.Background(), req, info, func(context.Context, any) (any, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}

	entry := panicEntry(t, &buf)
	if entry["request_id"] != "req-42" {
		t.Fatalf("request_id: got %v", entry["request_id"])
	}
	incident, _ := entry["incident"].(string)
	if incident == "" || !strings.Contains(status.Convert(err).Message(), incident) {
		t.Fatalf("status %q does not carry incident %q", status.Convert(err).Message(), incident)
	}
}

type recvStream struct {
	grpc.ServerStream
	msg *pb.StreamAuditRequest
}

func (s *recvStream) Context() context.Context { return context.Background() }

func (s *recvStream) RecvMsg(m any) error {
	*m.(*pb.StreamAuditRequest) = *s.msg
	return nil
}

func TestRecoveryStreamNamesSigningRequest(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	ss := &recvStream{msg: &pb.StreamAuditRequest{RequestID: "req-7"}}
	streamInfo := &grpc.StreamServerInfo{FullMethod: "/quorum.v1.AuditService/StreamAudit", IsServerStream: true}

	err := RecoveryStream(log)(nil, ss, streamInfo, func(_ any, stream grpc.ServerStream) error {
		var in pb.StreamAuditRequest
		if err := stream.RecvMsg(&in); err != nil {
			return err
		}
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	if got := panicEntry(t, &buf)["request_id"]; got != "req-7" {
		t.Fatalf("request_id: got %v", got)
	}
}

type recordingObserver struct {
	method, code string
}

func (r *recordingObserver) ObserveRPC(method, code string, _ time.Duration) {
	r.method, r.code = method, code
}

func TestMetricsUnary(t *testing.T) {
	obs := &recordingObserver{}
	_, _ = MetricsUnary(obs)(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "missing")
	})
	if obs.method != info.FullMethod || obs.code != "NotFound" {
		t.Fatalf("unexpected observation %+v", obs)
	}
}
