package server

import (
	"context"
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	pb "github.com/glinharesb/quorum-vault/api/authority/v1"
	"github.com/glinharesb/quorum-vault/internal/approval"
	"github.com/glinharesb/quorum-vault/internal/audit"
	"github.com/glinharesb/quorum-vault/internal/coordinator"
	"github.com/glinharesb/quorum-vault/internal/crypto"
	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/hsm"
	"github.com/glinharesb/quorum-vault/internal/interceptor"
	"github.com/glinharesb/quorum-vault/internal/store"
)

const token = "test-token"

type env struct {
	authority *pb.AuthorityServiceClient
	admin     *pb.AdminServiceClient
	audit     *pb.AuditServiceClient
	device    *hsm.SoftwareDevice
	keys      map[string]gocrypto.Signer
	dial      func(tok string) *grpc.ClientConn
}

func setup(t *testing.T) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cred := hsm.Credential{ID: "1", Secret: "password"}

	device, err := hsm.NewSoftwareDevice(cred)
	require.NoError(t, err)
	require.NoError(t, device.ProvisionKey("release-key", "p256", nil))

	auditLog := audit.NewLogger(128, nil)
	t.Cleanup(auditLog.Close)

	svc := coordinator.New(store.NewMemoryStore(), hsm.NewBackend(device, cred, hsm.WithLogger(log)),
		coordinator.WithAuditor(auditLog),
		coordinator.WithLogger(log),
	)
	srv := NewGRPCServer(svc, auditLog, Options{AuthToken: token, RateLimitRPS: 1000, Log: log})

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dial := func(tok string) *grpc.ClientConn {
		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithPerRPCCredentials(interceptor.BearerCredentials{Token: tok, Insecure: true}),
			pb.CallOptions(),
		)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	conn := dial(token)

	e := &env{
		authority: pb.NewAuthorityServiceClient(conn),
		admin:     pb.NewAdminServiceClient(conn),
		audit:     pb.NewAuditServiceClient(conn),
		device:    device,
		keys:      map[string]gocrypto.Signer{},
		dial:      dial,
	}
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		key, err := crypto.GenerateECDSAKey(elliptic.P256())
		require.NoError(t, err)
		pemBytes, err := crypto.MarshalPublicKeyPEM(key.Public())
		require.NoError(t, err)
		e.keys[id] = key
		_, err = e.admin.RegisterUser(ctx, &pb.RegisterUserRequest{User: &pb.User{
			ID:           id,
			PublicKeyPEM: string(pemBytes),
			Roles:        []string{"release"},
		}})
		require.NoError(t, err)
	}
	_, err = e.admin.PutActionType(ctx, &pb.PutActionTypeRequest{ActionType: &pb.ActionType{
		Name:            "sign-artifact",
		Operation:       "sign",
		Threshold:       2,
		EligibleRole:    "release",
		DigestAlgorithm: "sha256",
		KeyRef:          "release-key",
		KeyCurve:        "p256",
		Format:          "der",
		TTLSeconds:      3600,
	}})
	require.NoError(t, err)
	return e
}

func (e *env) approve(t *testing.T, approver string, r *pb.SigningRequest) (*pb.SubmitApprovalResponse, error) {
	t.Helper()
	sig, err := approval.Sign(e.keys[approver], r.ID, r.ActionType, r.DigestAlgorithm, r.Digest)
	require.NoError(t, err)
	return e.authority.SubmitApproval(context.Background(), &pb.SubmitApprovalRequest{
		RequestID:  r.ID,
		ApproverID: approver,
		Signature:  sig,
	})
}

func TestEndToEnd(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	digest := sha256.Sum256([]byte("release-1.0.tar.gz"))

	created, err := e.authority.CreateRequest(ctx, &pb.CreateRequestRequest{
		ActionType:  "sign-artifact",
		Digest:      digest[:],
		RequesterID: "alice",
	})
	require.NoError(t, err)
	r := created.Request
	assert.Equal(t, "PENDING", r.Status)

	_, err = e.authority.FetchResult(ctx, &pb.FetchResultRequest{RequestID: r.ID})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = e.approve(t, "alice", r)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	resp, err := e.approve(t, "bob", r)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Tally)

	resp, err = e.approve(t, "carol", r)
	require.NoError(t, err)
	assert.Equal(t, "EXECUTED", resp.Status)

	res, err := e.authority.FetchResult(ctx, &pb.FetchResultRequest{RequestID: r.ID})
	require.NoError(t, err)
	pub, err := e.device.PublicKey("release-key")
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(pub, digest[:], res.Artifact))

	got, err := e.authority.GetRequest(ctx, &pb.GetRequestRequest{RequestID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, "EXECUTED", got.Request.Status)
	assert.Len(t, got.Approvals, 2)
	assert.Equal(t, []string{"bob", "carol"}, got.Counted)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, "SUCCESS", got.Attempts[0].Outcome)

	list, err := e.authority.ListRequests(ctx, &pb.ListRequestsRequest{Status: "executed"})
	require.NoError(t, err)
	assert.Len(t, list.Requests, 1)

	_, err = e.authority.ListRequests(ctx, &pb.ListRequestsRequest{Status: "bogus"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRejectAndErrors(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	digest := sha256.Sum256([]byte("x"))

	_, err := e.authority.GetRequest(ctx, &pb.GetRequestRequest{RequestID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = e.authority.CreateRequest(ctx, &pb.CreateRequestRequest{ActionType: "sign-artifact", Digest: digest[:3], RequesterID: "alice"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	created, err := e.authority.CreateRequest(ctx, &pb.CreateRequestRequest{ActionType: "sign-artifact", Digest: digest[:], RequesterID: "alice"})
	require.NoError(t, err)

	rejected, err := e.authority.RejectRequest(ctx, &pb.RejectRequestRequest{RequestID: created.Request.ID, ActorID: "bob", Reason: "wrong build"})
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", rejected.Request.Status)

	_, err = e.approve(t, "bob", created.Request)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = e.authority.RetryRequest(ctx, &pb.RetryRequestRequest{RequestID: created.Request.ID})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = e.admin.RegisterUser(ctx, &pb.RegisterUserRequest{User: &pb.User{ID: "bob", PublicKeyPEM: "x"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = e.admin.PutActionType(ctx, &pb.PutActionTypeRequest{ActionType: &pb.ActionType{Name: "x", Operation: "launch"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAdminService(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	users, err := e.admin.ListUsers(ctx, &pb.ListUsersRequest{})
	require.NoError(t, err)
	assert.Len(t, users.Users, 3)

	_, err = e.admin.RevokeUser(ctx, &pb.RevokeUserRequest{UserID: "carol"})
	require.NoError(t, err)
	_, err = e.admin.RevokeUser(ctx, &pb.RevokeUserRequest{UserID: "nobody"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	actions, err := e.admin.ListActionTypes(ctx, &pb.ListActionTypesRequest{})
	require.NoError(t, err)
	require.Len(t, actions.ActionTypes, 1)
	assert.Equal(t, "SIGN", actions.ActionTypes[0].Operation)
	assert.Equal(t, int64(3600), actions.ActionTypes[0].TTLSeconds)

	_, err = e.admin.ReleaseExecution(ctx, &pb.ReleaseExecutionRequest{RequestID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestAuthRequired(t *testing.T) {
	e := setup(t)
	client := pb.NewAuthorityServiceClient(e.dial("wrong"))

	_, err := client.ListRequests(context.Background(), &pb.ListRequestsRequest{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestAuditQueryAndStream(t *testing.T) {
	e := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := e.audit.StreamAudit(ctx, &pb.StreamAuditRequest{Operation: "CreateRequest"})
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("x"))
	// The subscription is registered by the server handler; retry until an
	// entry created after it arrives.
	got := make(chan *pb.AuditEntry, 1)
	go func() {
		entry, err := stream.Recv()
		if err == nil {
			got <- entry
		}
	}()
	var entry *pb.AuditEntry
	for entry == nil {
		_, err := e.authority.CreateRequest(ctx, &pb.CreateRequestRequest{ActionType: "sign-artifact", Digest: digest[:], RequesterID: "alice"})
		require.NoError(t, err)
		select {
		case entry = <-got:
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no audit entry streamed")
		}
	}
	assert.Equal(t, "CreateRequest", entry.Operation)
	assert.Equal(t, "alice", entry.Actor)

	require.Eventually(t, func() bool {
		resp, err := e.audit.QueryAudit(ctx, &pb.QueryAuditRequest{Actor: "alice", Operation: "CreateRequest"})
		return err == nil && len(resp.Entries) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestToStatus(t *testing.T) {
	cases := map[errs.Kind]codes.Code{
		errs.UnknownRequest:        codes.NotFound,
		errs.RequestNotPending:     codes.FailedPrecondition,
		errs.NotReady:              codes.FailedPrecondition,
		errs.UnauthorizedApprover:  codes.PermissionDenied,
		errs.BadSignature:          codes.InvalidArgument,
		errs.DuplicateApproval:     codes.AlreadyExists,
		errs.DeviceUnreachable:     codes.Unavailable,
		errs.MalformedRawSignature: codes.Aborted,
		errs.ExecutionAmbiguous:    codes.Aborted,
		errs.Internal:              codes.Internal,
	}
	for kind, code := range cases {
		assert.Equal(t, code, status.Code(toStatus(errs.E(kind, "test", errors.New("x")))), kind.String())
	}
	assert.NoError(t, toStatus(nil))

	st := status.Convert(toStatus(errors.New("secret detail")))
	assert.Equal(t, "internal error", st.Message())
}
