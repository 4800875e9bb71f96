package coordinator

import (
	"bytes"
	"context"
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glinharesb/quorum-vault/internal/approval"
	"github.com/glinharesb/quorum-vault/internal/artifact"
	"github.com/glinharesb/quorum-vault/internal/crypto"
	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/hsm"
	"github.com/glinharesb/quorum-vault/internal/store"
)

var (
	t0   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cred = hsm.Credential{ID: "1", Secret: "password"}
)

// flakyDevice wraps the software device, failing the next n opens and
// counting device operations.
type flakyDevice struct {
	*hsm.SoftwareDevice
	failures atomic.Int32
	calls    atomic.Int32
}

func (d *flakyDevice) Open(ctx context.Context, c hsm.Credential) (hsm.Session, error) {
	if d.failures.Load() > 0 {
		d.failures.Add(-1)
		return nil, hsm.ErrUnreachable
	}
	sess, err := d.SoftwareDevice.Open(ctx, c)
	if err != nil {
		return nil, err
	}
	return &countingSession{Session: sess, calls: &d.calls}, nil
}

type countingSession struct {
	hsm.Session
	calls *atomic.Int32
}

func (s *countingSession) Sign(ctx context.Context, keyRef string, digest []byte) ([]byte, error) {
	s.calls.Add(1)
	return s.Session.Sign(ctx, keyRef, digest)
}

func (s *countingSession) GenerateKey(ctx context.Context, keyRef, curve string) ([]byte, error) {
	s.calls.Add(1)
	return s.Session.GenerateKey(ctx, keyRef, curve)
}

// brokenStore fails CompleteExecution while broken is set.
type brokenStore struct {
	store.Store
	broken atomic.Bool
}

func (b *brokenStore) CompleteExecution(ctx context.Context, res *store.SigningResult, claim string) error {
	if b.broken.Load() {
		return errors.New("disk full")
	}
	return b.Store.CompleteExecution(ctx, res, claim)
}

type harness struct {
	svc    *Service
	store  *brokenStore
	device *flakyDevice
	keys   map[string]gocrypto.Signer
	mu     sync.Mutex
	now    time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewMemoryStore(), opts...)
}

func newSQLiteHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := store.OpenSQL(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return newHarnessOn(t, st, opts...)
}

func newHarnessOn(t *testing.T, st store.Store, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()

	sw, err := hsm.NewSoftwareDevice(cred)
	require.NoError(t, err)
	require.NoError(t, sw.ProvisionKey("release-key", "p256", nil))

	h := &harness{
		store:  &brokenStore{Store: st},
		device: &flakyDevice{SoftwareDevice: sw},
		keys:   map[string]gocrypto.Signer{},
		now:    t0,
	}
	backend := hsm.NewBackend(h.device, cred, hsm.WithMaxSessions(2))
	opts = append([]Option{WithClock(h.clock)}, opts...)
	h.svc = New(h.store, backend, opts...)

	for _, id := range []string{"alice", "bob", "carol", "dave", "erin", "frank"} {
		key, err := crypto.GenerateECDSAKey(elliptic.P256())
		require.NoError(t, err)
		pemBytes, err := crypto.MarshalPublicKeyPEM(key.Public())
		require.NoError(t, err)
		h.keys[id] = key
		_, err = h.svc.RegisterUser(ctx, &store.User{ID: id, PublicKeyPEM: string(pemBytes), Roles: []string{"release"}})
		require.NoError(t, err)
	}

	_, err = h.svc.PutActionType(ctx, &store.ActionType{
		Name:            "sign-artifact",
		Operation:       store.OperationSign,
		Threshold:       2,
		EligibleRole:    "release",
		DigestAlgorithm: "sha256",
		KeyRef:          "release-key",
		KeyCurve:        "p256",
		Format:          artifact.FormatDER,
		TTL:             time.Hour,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) create(t *testing.T, payload string) *store.SigningRequest {
	t.Helper()
	digest := sha256.Sum256([]byte(payload))
	req, err := h.svc.CreateRequest(context.Background(), CreateParams{
		ActionType:  "sign-artifact",
		Digest:      digest[:],
		RequesterID: "alice",
		SubjectName: payload,
	})
	require.NoError(t, err)
	return req
}

func (h *harness) approve(t *testing.T, approver string, req *store.SigningRequest) (*ApprovalResult, error) {
	t.Helper()
	sig, err := approval.Sign(h.keys[approver], req.ID, req.ActionType, req.DigestAlgorithm, req.Digest)
	require.NoError(t, err)
	return h.svc.SubmitApproval(context.Background(), req.ID, approver, sig)
}

func (h *harness) status(t *testing.T, id string) store.Status {
	t.Helper()
	req, err := h.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return req.Status
}

func TestScenarioTwoApprovalsExecute(t *testing.T) {
	h := newHarness(t)
	req := h.create(t, "release-1.0.tar.gz")

	res, err := h.approve(t, "bob", req)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, res.Status)
	assert.Equal(t, 1, res.Tally)

	res, err = h.approve(t, "carol", req)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, res.Status)
	assert.Equal(t, 2, res.Tally)

	out, err := h.svc.FetchResult(context.Background(), req.ID)
	require.NoError(t, err)
	pub, err := h.device.PublicKey("release-key")
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(pub, req.Digest, out.Artifact))
	assert.Equal(t, int32(1), h.device.calls.Load())
}

func TestScenarioDuplicateApproval(t *testing.T) {
	h := newHarness(t)
	req := h.create(t, "release-1.0.tar.gz")
	sig, err := approval.Sign(h.keys["bob"], req.ID, req.ActionType, req.DigestAlgorithm, req.Digest)
	require.NoError(t, err)

	for range 2 {
		res, err := h.svc.SubmitApproval(context.Background(), req.ID, "bob", sig)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Tally)
		assert.Equal(t, store.StatusPending, res.Status)
	}
	assert.Equal(t, store.StatusPending, h.status(t, req.ID))
}

func TestScenarioSelfApproval(t *testing.T) {
	h := newHarness(t)
	req := h.create(t, "release-1.0.tar.gz")

	_, err := h.approve(t, "alice", req)
	assert.Equal(t, errs.UnauthorizedApprover, errs.KindOf(err))

	view, err := h.svc.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, view.Tally)
	assert.Empty(t, view.Approvals)
}

func TestScenarioTransientFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	req := h.create(t, "release-1.0.tar.gz")
	ctx := context.Background()

	_, err := h.approve(t, "bob", req)
	require.NoError(t, err)

	h.device.failures.Store(1)
	res, err := h.approve(t, "carol", req)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, res.Status)
	assert.NotEmpty(t, res.LastError)
	assert.Equal(t, store.StatusApproved, h.status(t, req.ID))

	_, err = h.svc.FetchResult(ctx, req.ID)
	assert.Equal(t, errs.NotReady, errs.KindOf(err))

	out, err := h.svc.RetryExecution(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, h.status(t, req.ID))
	assert.Equal(t, int32(1), h.device.calls.Load())

	_, err = h.svc.RetryExecution(ctx, req.ID)
	assert.Equal(t, errs.RequestNotPending, errs.KindOf(err), "executed requests are never re-run")

	fetched, err := h.svc.FetchResult(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Artifact, fetched.Artifact)

	attempts, err := h.store.ListAttempts(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, store.AttemptTransient, attempts[0].Outcome)
	assert.Equal(t, store.AttemptSuccess, attempts[1].Outcome)
}

func TestConcurrentThresholdCrossingExecutesOnce(t *testing.T) {
	h := newHarness(t)
	req := h.create(t, "release-1.0.tar.gz")

	approvers := []string{"bob", "carol", "dave", "erin", "frank"}
	sigs := make(map[string][]byte, len(approvers))
	for _, id := range approvers {
		sig, err := approval.Sign(h.keys[id], req.ID, req.ActionType, req.DigestAlgorithm, req.Digest)
		require.NoError(t, err)
		sigs[id] = sig
	}

	var wg sync.WaitGroup
	for _, id := range approvers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SubmitApproval(context.Background(), req.ID, id, sigs[id])
			if err != nil {
				// Approvals arriving after the threshold find the request
				// no longer pending.
				assert.Equal(t, errs.RequestNotPending, errs.KindOf(err))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, store.StatusExecuted, h.status(t, req.ID))
	assert.Equal(t, int32(1), h.device.calls.Load())
	_, err := h.svc.FetchResult(context.Background(), req.ID)
	assert.NoError(t, err)
}

func TestDeviceRejectionRejectsRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.PutActionType(ctx, &store.ActionType{
		Name:            "sign-artifact",
		Operation:       store.OperationSign,
		Threshold:       1,
		DigestAlgorithm: "sha256",
		KeyRef:          "no-such-key",
		KeyCurve:        "p256",
		Format:          artifact.FormatDER,
	})
	require.NoError(t, err)
	req := h.create(t, "release-1.0.tar.gz")

	res, err := h.approve(t, "bob", req)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, res.Status)

	_, err = h.svc.FetchResult(ctx, req.ID)
	assert.Equal(t, errs.RequestNotPending, errs.KindOf(err))
	_, err = h.store.GetResult(ctx, req.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAmbiguousExecutionKeepsClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, "release-1.0.tar.gz")
	_, err := h.approve(t, "bob", req)
	require.NoError(t, err)

	h.store.broken.Store(true)
	_, err = h.approve(t, "carol", req)
	assert.Equal(t, errs.ExecutionAmbiguous, errs.KindOf(err))

	stored, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, stored.Status)
	assert.NotEmpty(t, stored.ExecutionClaim)

	_, err = h.svc.RetryExecution(ctx, req.ID)
	assert.Equal(t, errs.Conflict, errs.KindOf(err), "ambiguous executions are not retried automatically")
	assert.Equal(t, int32(1), h.device.calls.Load())

	h.store.broken.Store(false)
	require.NoError(t, h.svc.ReleaseExecution(ctx, req.ID, "ops"))
	_, err = h.svc.RetryExecution(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, h.status(t, req.ID))

	assert.Equal(t, errs.Conflict, errs.KindOf(h.svc.ReleaseExecution(ctx, req.ID, "ops")))
}

func TestCreateRequestValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	digest := sha256.Sum256([]byte("x"))

	_, err := h.svc.CreateRequest(ctx, CreateParams{ActionType: "nope", Digest: digest[:], RequesterID: "alice"})
	assert.Equal(t, errs.UnsupportedActionType, errs.KindOf(err))

	_, err = h.svc.CreateRequest(ctx, CreateParams{ActionType: "sign-artifact", Digest: digest[:5], RequesterID: "alice"})
	assert.Equal(t, errs.InvalidPayload, errs.KindOf(err))

	_, err = h.svc.CreateRequest(ctx, CreateParams{ActionType: "sign-artifact", Digest: digest[:], RequesterID: "mallory"})
	assert.Equal(t, errs.UnknownUser, errs.KindOf(err))

	require.NoError(t, h.svc.RevokeUser(ctx, "alice"))
	_, err = h.svc.CreateRequest(ctx, CreateParams{ActionType: "sign-artifact", Digest: digest[:], RequesterID: "alice"})
	assert.Equal(t, errs.UnknownUser, errs.KindOf(err))

	req, err := h.svc.CreateRequest(ctx, CreateParams{ActionType: "sign-artifact", Digest: digest[:], RequesterID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), req.ExpiresAt)
}

func TestRejectRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.create(t, "release-1.0.tar.gz")

	_, err := h.svc.RejectRequest(ctx, req.ID, "mallory", "")
	assert.Equal(t, errs.UnknownUser, errs.KindOf(err))

	rejected, err := h.svc.RejectRequest(ctx, req.ID, "alice", "built from wrong tag")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, rejected.Status)

	_, err = h.approve(t, "bob", req)
	assert.Equal(t, errs.RequestNotPending, errs.KindOf(err))

	_, err = h.svc.RejectRequest(ctx, req.ID, "bob", "")
	assert.Equal(t, errs.RequestNotPending, errs.KindOf(err))

	_, err = h.svc.FetchResult(ctx, req.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "built from wrong tag")
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.create(t, "old")
	h.advance(30 * time.Minute)
	fresh := h.create(t, "fresh")

	h.advance(45 * time.Minute)
	n, err := h.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, store.StatusExpired, h.status(t, old.ID))
	assert.Equal(t, store.StatusPending, h.status(t, fresh.ID))

	_, err = h.approve(t, "bob", old)
	assert.Equal(t, errs.RequestNotPending, errs.KindOf(err))
	_, err = h.svc.FetchResult(ctx, old.ID)
	assert.Equal(t, errs.RequestNotPending, errs.KindOf(err))
}

func TestSweeperRetriesApproved(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRetry = true
	h := newHarness(t, WithConfig(cfg))
	req := h.create(t, "release-1.0.tar.gz")

	_, err := h.approve(t, "bob", req)
	require.NoError(t, err)
	h.device.failures.Store(1)
	_, err = h.approve(t, "carol", req)
	require.NoError(t, err)
	require.Equal(t, store.StatusApproved, h.status(t, req.ID))

	_, err = h.svc.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, h.status(t, req.ID))
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Millisecond
	h := newHarness(t, WithConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGenerateKeyAction(t *testing.T) {
	for name, newH := range map[string]func(*testing.T, ...Option) *harness{
		"memory": newHarness,
		"sqlite": newSQLiteHarness,
	} {
		t.Run(name, func(t *testing.T) {
			h := newH(t)
			ctx := context.Background()
			_, err := h.svc.PutActionType(ctx, &store.ActionType{
				Name:      "issue-key",
				Operation: store.OperationGenerateKey,
				Threshold: 1,
				KeyRef:    "issued",
				KeyCurve:  "p384",
				Format:    artifact.FormatPKIX,
			})
			require.NoError(t, err)

			req, err := h.svc.CreateRequest(ctx, CreateParams{ActionType: "issue-key", RequesterID: "alice"})
			require.NoError(t, err)
			assert.Empty(t, req.Digest)
			res, err := h.approve(t, "bob", req)
			require.NoError(t, err)
			require.Equal(t, store.StatusExecuted, res.Status)

			out, err := h.svc.FetchResult(ctx, req.ID)
			require.NoError(t, err)
			pub, err := x509.ParsePKIXPublicKey(out.Artifact)
			require.NoError(t, err)

			at, err := h.store.GetActionType(ctx, "issue-key")
			require.NoError(t, err)
			onDevice, err := h.device.PublicKey(GeneratedKeyLabel(at, req))
			require.NoError(t, err)
			assert.True(t, onDevice.Equal(pub))
		})
	}
}

func TestOpenPGPAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.PutActionType(ctx, &store.ActionType{
		Name:            "sign-artifact",
		Operation:       store.OperationSign,
		Threshold:       2,
		EligibleRole:    "release",
		DigestAlgorithm: "sha256",
		KeyRef:          "release-key",
		KeyCurve:        "p256",
		Format:          artifact.FormatOpenPGP,
		TTL:             time.Hour,
	})
	require.NoError(t, err)

	req := h.create(t, "release-2.0.tar.gz")
	_, err = h.approve(t, "bob", req)
	require.NoError(t, err)
	res, err := h.approve(t, "carol", req)
	require.NoError(t, err)
	require.Equal(t, store.StatusExecuted, res.Status)
	assert.Equal(t, int32(1), h.device.calls.Load(), "one signing call")

	out, err := h.svc.FetchResult(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.FormatOpenPGP, out.Format)

	block, err := armor.Decode(bytes.NewReader(out.Artifact))
	require.NoError(t, err)
	p, err := packet.Read(block.Body)
	require.NoError(t, err)
	sig, ok := p.(*packet.Signature)
	require.True(t, ok)
	assert.True(t, t0.Equal(sig.CreationTime))

	pub, err := h.device.PublicKey("release-key")
	require.NoError(t, err)
	pk, err := artifact.OpenPGPPublicKey(pub)
	require.NoError(t, err)
	require.NotNil(t, sig.IssuerKeyId)
	assert.Equal(t, pk.KeyId, *sig.IssuerKeyId)

	hh, err := sig.PrepareVerify()
	require.NoError(t, err)
	hh.Write(req.Digest)
	require.NoError(t, pk.VerifySignature(hh, sig))
}

func TestOpenPGPKeyLookupFailureKeepsApproved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.PutActionType(ctx, &store.ActionType{
		Name:            "sign-artifact",
		Operation:       store.OperationSign,
		Threshold:       1,
		EligibleRole:    "release",
		DigestAlgorithm: "sha256",
		KeyRef:          "release-key",
		KeyCurve:        "p256",
		Format:          artifact.FormatOpenPGP,
		TTL:             time.Hour,
	})
	require.NoError(t, err)

	req := h.create(t, "release-2.1.tar.gz")
	h.device.failures.Store(1)
	res, err := h.approve(t, "bob", req)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, res.Status)
	assert.NotEmpty(t, res.LastError)
	assert.Equal(t, store.StatusApproved, h.status(t, req.ID))
	assert.Equal(t, int32(0), h.device.calls.Load(), "no signing call without the issuer key")

	_, err = h.svc.RetryExecution(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, h.status(t, req.ID))
}

func TestPutActionTypeValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.PutActionType(ctx, &store.ActionType{Name: "x", Operation: store.OperationSign, Threshold: 0, KeyRef: "k", KeyCurve: "p256", DigestAlgorithm: "sha256", Format: "der"})
	assert.Equal(t, errs.InvalidPayload, errs.KindOf(err))

	_, err = h.svc.PutActionType(ctx, &store.ActionType{Name: "x", Operation: store.OperationSign, Threshold: 1, KeyRef: "k", KeyCurve: "p256", DigestAlgorithm: "sha256", Format: "pkix"})
	assert.Equal(t, errs.UnsupportedActionType, errs.KindOf(err))
}

func TestRegisterUserValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RegisterUser(ctx, &store.User{ID: "zed", PublicKeyPEM: "not a key"})
	assert.Equal(t, errs.InvalidPayload, errs.KindOf(err))

	existing, err := h.store.GetUser(ctx, "bob")
	require.NoError(t, err)
	_, err = h.svc.RegisterUser(ctx, existing)
	assert.Equal(t, errs.AlreadyExists, errs.KindOf(err))
}
