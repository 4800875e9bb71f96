// Package approval checks and records approvers' signatures over signing
// requests.
package approval

import (
	"bytes"
	"context"
	gocrypto "crypto"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"github.com/glinharesb/quorum-vault/internal/crypto"
	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/policy"
	"github.com/glinharesb/quorum-vault/internal/store"
)

const domain = "quorum-vault/approval/v1"

// Message returns the bytes an approver signs. It binds the request id,
// action type and payload digest so an approval cannot be replayed
// against another request.
func Message(requestID, actionType, digestAlgorithm string, digest []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(domain)) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(requestID)) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(actionType)) })
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(digestAlgorithm)) })
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(digest) })
	msg, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("build approval message: %w", err)
	}
	return msg, nil
}

// MessageFor is Message applied to a stored request.
func MessageFor(req *store.SigningRequest) ([]byte, error) {
	return Message(req.ID, req.ActionType, req.DigestAlgorithm, req.Digest)
}

// Sign produces an approval signature with an approver's private key.
func Sign(key gocrypto.Signer, requestID, actionType, digestAlgorithm string, digest []byte) ([]byte, error) {
	msg, err := Message(requestID, actionType, digestAlgorithm, digest)
	if err != nil {
		return nil, err
	}
	return crypto.SignMessage(key, msg)
}

// Outcome describes the effect of a submitted approval.
type Outcome struct {
	Request    *store.SigningRequest
	ActionType *store.ActionType
	Decision   policy.Decision
	// Duplicate is set when the identical approval was already recorded.
	Duplicate bool
}

// Verifier validates approvals and persists the valid ones. It never
// triggers execution.
type Verifier struct {
	store  store.Store
	policy *policy.Threshold
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

func NewVerifier(s store.Store, p *policy.Threshold, opts ...Option) *Verifier {
	v := &Verifier{
		store:  s,
		policy: p,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Submit verifies signature as approverID's approval of requestID and
// records it. Resubmitting an identical approval is a no-op.
func (v *Verifier) Submit(ctx context.Context, requestID, approverID string, signature []byte) (*Outcome, error) {
	const op = "approval.Submit"

	req, err := v.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, storeError(op, err, errs.UnknownRequest)
	}
	if req.Status != store.StatusPending {
		return nil, errs.Errorf(errs.RequestNotPending, op, "request %s is %s", req.ID, req.Status)
	}
	now := v.now()
	if req.Expired(now) {
		if err := v.store.Transition(ctx, req.ID, store.StatusPending, store.StatusExpired, "ttl elapsed", now); err != nil && !errors.Is(err, store.ErrConflict) {
			v.log.Warn("expire request", "request_id", req.ID, "error", err)
		}
		return nil, errs.Errorf(errs.RequestNotPending, op, "request %s has expired", req.ID)
	}

	at, err := v.store.GetActionType(ctx, req.ActionType)
	if err != nil {
		return nil, storeError(op, err, errs.UnsupportedActionType)
	}

	user, err := v.store.GetUser(ctx, approverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.Errorf(errs.UnauthorizedApprover, op, "unknown approver %s", approverID)
		}
		return nil, errs.E(errs.StorageUnavailable, op, err)
	}
	if err := v.policy.Eligible(at, req, user); err != nil {
		return nil, err
	}

	pub, err := crypto.ParsePublicKeyPEM([]byte(user.PublicKeyPEM))
	if err != nil {
		return nil, errs.E(errs.Internal, op, fmt.Errorf("approver %s key: %w", user.ID, err))
	}
	msg, err := MessageFor(req)
	if err != nil {
		return nil, errs.E(errs.Internal, op, err)
	}
	if !crypto.VerifyMessage(pub, msg, signature) {
		return nil, errs.Errorf(errs.BadSignature, op, "signature by %s does not verify for request %s", user.ID, req.ID)
	}

	out := &Outcome{Request: req, ActionType: at}
	err = v.store.AddApproval(ctx, &store.Approval{
		RequestID:  req.ID,
		ApproverID: user.ID,
		Signature:  signature,
		CreatedAt:  now,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicate):
		existing, gerr := v.store.GetApproval(ctx, req.ID, user.ID)
		if gerr != nil {
			return nil, errs.E(errs.StorageUnavailable, op, gerr)
		}
		if !bytes.Equal(existing.Signature, signature) {
			return nil, errs.Errorf(errs.DuplicateApproval, op, "%s already approved request %s", user.ID, req.ID)
		}
		out.Duplicate = true
	default:
		return nil, storeError(op, err, errs.UnknownRequest)
	}

	out.Decision, err = v.Tally(ctx, req, at)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Tally evaluates the recorded approvals of req against the current user
// records.
func (v *Verifier) Tally(ctx context.Context, req *store.SigningRequest, at *store.ActionType) (policy.Decision, error) {
	const op = "approval.Tally"

	list, err := v.store.ListApprovals(ctx, req.ID)
	if err != nil {
		return policy.Decision{}, errs.E(errs.StorageUnavailable, op, err)
	}
	users := make(map[string]*store.User, len(list))
	for _, a := range list {
		if _, ok := users[a.ApproverID]; ok {
			continue
		}
		u, err := v.store.GetUser(ctx, a.ApproverID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return policy.Decision{}, errs.E(errs.StorageUnavailable, op, err)
		}
		users[a.ApproverID] = u
	}
	return v.policy.Evaluate(at, req, list, users), nil
}

// storeError classifies a store error; ErrNotFound becomes notFound.
func storeError(op string, err error, notFound errs.Kind) error {
	if errors.Is(err, store.ErrNotFound) {
		return errs.E(notFound, op, err)
	}
	return errs.E(errs.StorageUnavailable, op, err)
}
