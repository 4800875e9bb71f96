// Package coordinator drives signing requests from creation through
// approval to execution on the HSM.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glinharesb/quorum-vault/internal/approval"
	"github.com/glinharesb/quorum-vault/internal/artifact"
	"github.com/glinharesb/quorum-vault/internal/crypto"
	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/hsm"
	"github.com/glinharesb/quorum-vault/internal/policy"
	"github.com/glinharesb/quorum-vault/internal/store"
)

// Executor performs device operations. *hsm.Backend implements it.
type Executor interface {
	Execute(ctx context.Context, op hsm.Operation) ([]byte, error)
	Drain(ctx context.Context) error
}

// Auditor records security-relevant events. *audit.Logger implements it.
type Auditor interface {
	Log(operation, requestID, status, actor string, metadata map[string]string)
}

// Observer receives request lifecycle events for metrics.
type Observer interface {
	RequestCreated(actionType string)
	ApprovalRecorded(actionType string)
	RequestFinished(actionType string, status store.Status)
	ExecutionFinished(actionType string, outcome store.AttemptOutcome, d time.Duration)
}

type Config struct {
	// DefaultTTL applies to action types without their own TTL.
	DefaultTTL time.Duration
	// SweepInterval is how often Run expires stale requests.
	SweepInterval time.Duration
	// AutoRetry makes the sweeper retry approved requests that have no
	// execution in progress.
	AutoRetry bool
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:    24 * time.Hour,
		SweepInterval: time.Minute,
	}
}

// Service is the coordinator. All state lives in the store, so several
// Service values may share one store.
type Service struct {
	store    store.Store
	exec     Executor
	verifier *approval.Verifier
	policy   *policy.Threshold
	encoder  *artifact.Encoder
	audit    Auditor
	observer Observer
	log      *slog.Logger
	now      func() time.Time
	cfg      Config
}

type Option func(*Service)

func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.audit = a }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st store.Store, exec Executor, opts ...Option) *Service {
	s := &Service{
		store:    st,
		exec:     exec,
		policy:   policy.NewThreshold(),
		encoder:  artifact.NewEncoder(),
		audit:    nopAuditor{},
		observer: nopObserver{},
		log:      slog.Default(),
		now:      time.Now,
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.verifier = approval.NewVerifier(st, s.policy,
		approval.WithClock(s.now),
		approval.WithLogger(s.log),
	)
	return s
}

// CreateParams describes a new signing request.
type CreateParams struct {
	ActionType  string
	Digest      []byte
	RequesterID string
	SubjectName string
}

// CreateRequest validates p and stores a new Pending request.
func (s *Service) CreateRequest(ctx context.Context, p CreateParams) (*store.SigningRequest, error) {
	const op = "coordinator.CreateRequest"

	at, err := s.store.GetActionType(ctx, p.ActionType)
	if err != nil {
		return nil, storeError(op, err, errs.UnsupportedActionType)
	}
	if at.Operation == store.OperationSign {
		h, err := crypto.HashByName(at.DigestAlgorithm)
		if err != nil {
			return nil, errs.E(errs.UnsupportedActionType, op, err)
		}
		if len(p.Digest) != h.Size() {
			return nil, errs.Errorf(errs.InvalidPayload, op, "%s digest must be %d bytes, got %d", at.DigestAlgorithm, h.Size(), len(p.Digest))
		}
	} else if len(p.Digest) != 0 {
		return nil, errs.Errorf(errs.InvalidPayload, op, "action type %s takes no payload", at.Name)
	}

	requester, err := s.store.GetUser(ctx, p.RequesterID)
	if err != nil {
		return nil, storeError(op, err, errs.UnknownUser)
	}
	if requester.Revoked {
		return nil, errs.Errorf(errs.UnknownUser, op, "requester %s is revoked", requester.ID)
	}

	now := s.now()
	ttl := at.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	req := &store.SigningRequest{
		ID:              uuid.NewString(),
		ActionType:      at.Name,
		DigestAlgorithm: at.DigestAlgorithm,
		Digest:          p.Digest,
		SubjectName:     p.SubjectName,
		RequesterID:     requester.ID,
		Status:          store.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if ttl > 0 {
		req.ExpiresAt = now.Add(ttl)
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, errs.E(errs.StorageUnavailable, op, err)
	}

	s.observer.RequestCreated(at.Name)
	s.audit.Log("CreateRequest", req.ID, "OK", requester.ID, map[string]string{"action_type": at.Name})
	s.log.Info("request created", "request_id", req.ID, "action_type", at.Name, "requester", requester.ID)
	return req, nil
}

// ApprovalResult reports the state of a request after an approval.
type ApprovalResult struct {
	RequestID string
	Status    store.Status
	Tally     int
	Threshold int
	Duplicate bool
	// LastError describes a failed execution attempt.
	LastError string
}

// SubmitApproval verifies and records an approval. The call that moves the
// request to Approved also executes it.
func (s *Service) SubmitApproval(ctx context.Context, requestID, approverID string, signature []byte) (*ApprovalResult, error) {
	const op = "coordinator.SubmitApproval"

	out, err := s.verifier.Submit(ctx, requestID, approverID, signature)
	if err != nil {
		s.audit.Log("SubmitApproval", requestID, errs.KindOf(err).String(), approverID, nil)
		return nil, err
	}
	res := &ApprovalResult{
		RequestID: out.Request.ID,
		Status:    out.Request.Status,
		Tally:     out.Decision.Tally,
		Threshold: out.Decision.Threshold,
		Duplicate: out.Duplicate,
	}
	if !out.Duplicate {
		s.observer.ApprovalRecorded(out.ActionType.Name)
		s.audit.Log("SubmitApproval", requestID, "OK", approverID, map[string]string{
			"tally": fmt.Sprint(out.Decision.Tally),
		})
	}
	if !out.Decision.Satisfied {
		return res, nil
	}

	err = s.store.Transition(ctx, out.Request.ID, store.StatusPending, store.StatusApproved, "approval threshold reached", s.now())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict):
		// Another approval crossed the threshold first and owns execution.
		cur, gerr := s.store.GetRequest(ctx, out.Request.ID)
		if gerr == nil {
			res.Status = cur.Status
		}
		return res, nil
	default:
		return nil, errs.E(errs.StorageUnavailable, op, err)
	}

	res.Status = store.StatusApproved
	s.audit.Log("Approve", out.Request.ID, "OK", approverID, map[string]string{"approvers": fmt.Sprint(out.Decision.Counted)})
	s.log.Info("request approved", "request_id", out.Request.ID, "tally", out.Decision.Tally, "threshold", out.Decision.Threshold)

	out.Request.Status = store.StatusApproved
	if _, err := s.execute(ctx, out.Request, out.ActionType); err != nil {
		res.LastError = err.Error()
		switch {
		case errs.Is(err, errs.ExecutionAmbiguous):
			return res, err
		case permanent(errs.KindOf(err)):
			res.Status = store.StatusRejected
		}
		return res, nil
	}
	res.Status = store.StatusExecuted
	return res, nil
}

// RequestView is a request with its approvals and current tally.
type RequestView struct {
	Request   *store.SigningRequest
	Approvals []*store.Approval
	Attempts  []*store.ExecutionAttempt
	Tally     int
	Threshold int
	Counted   []string
}

func (s *Service) GetRequest(ctx context.Context, id string) (*RequestView, error) {
	const op = "coordinator.GetRequest"

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, storeError(op, err, errs.UnknownRequest)
	}
	at, err := s.store.GetActionType(ctx, req.ActionType)
	if err != nil {
		return nil, storeError(op, err, errs.UnsupportedActionType)
	}
	d, err := s.verifier.Tally(ctx, req, at)
	if err != nil {
		return nil, err
	}
	approvals, err := s.store.ListApprovals(ctx, id)
	if err != nil {
		return nil, errs.E(errs.StorageUnavailable, op, err)
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, errs.E(errs.StorageUnavailable, op, err)
	}
	return &RequestView{
		Request:   req,
		Approvals: approvals,
		Attempts:  attempts,
		Tally:     d.Tally,
		Threshold: d.Threshold,
		Counted:   d.Counted,
	}, nil
}

// FetchResult returns the artifact of an executed request.
func (s *Service) FetchResult(ctx context.Context, id string) (*store.SigningResult, error) {
	const op = "coordinator.FetchResult"

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, storeError(op, err, errs.UnknownRequest)
	}
	switch {
	case req.Status == store.StatusExecuted:
		res, err := s.store.GetResult(ctx, id)
		if err != nil {
			return nil, errs.E(errs.StorageUnavailable, op, err)
		}
		return res, nil
	case req.Expired(s.now()):
		return nil, errs.Errorf(errs.RequestNotPending, op, "request %s has expired", id)
	case req.Status == store.StatusPending, req.Status == store.StatusApproved:
		return nil, errs.Errorf(errs.NotReady, op, "request %s is %s", id, req.Status)
	default:
		return nil, errs.Errorf(errs.RequestNotPending, op, "request %s is %s: %s", id, req.Status, req.Reason)
	}
}

// RejectRequest withdraws a pending request. The requester and any
// eligible approver may reject.
func (s *Service) RejectRequest(ctx context.Context, id, actorID, reason string) (*store.SigningRequest, error) {
	const op = "coordinator.RejectRequest"

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, storeError(op, err, errs.UnknownRequest)
	}
	actor, err := s.store.GetUser(ctx, actorID)
	if err != nil {
		return nil, storeError(op, err, errs.UnknownUser)
	}
	if actor.ID != req.RequesterID {
		at, err := s.store.GetActionType(ctx, req.ActionType)
		if err != nil {
			return nil, storeError(op, err, errs.UnsupportedActionType)
		}
		if err := s.policy.Eligible(at, req, actor); err != nil {
			return nil, err
		}
	} else if actor.Revoked {
		return nil, errs.Errorf(errs.UnauthorizedApprover, op, "%s is revoked", actor.ID)
	}

	if reason == "" {
		reason = "rejected by " + actor.ID
	}
	now := s.now()
	if err := s.store.Transition(ctx, id, store.StatusPending, store.StatusRejected, reason, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, errs.Errorf(errs.RequestNotPending, op, "request %s is no longer pending", id)
		}
		return nil, errs.E(errs.StorageUnavailable, op, err)
	}

	s.observer.RequestFinished(req.ActionType, store.StatusRejected)
	s.audit.Log("RejectRequest", id, "OK", actor.ID, map[string]string{"reason": reason})
	s.log.Info("request rejected", "request_id", id, "actor", actor.ID, "reason", reason)

	req.Status = store.StatusRejected
	req.Reason = reason
	req.UpdatedAt = now
	return req, nil
}

// RetryExecution re-runs execution for an approved request whose previous
// attempt failed transiently.
func (s *Service) RetryExecution(ctx context.Context, id string) (*store.SigningResult, error) {
	const op = "coordinator.RetryExecution"

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, storeError(op, err, errs.UnknownRequest)
	}
	if req.Status != store.StatusApproved {
		return nil, errs.Errorf(errs.RequestNotPending, op, "request %s is %s, not APPROVED", id, req.Status)
	}
	at, err := s.store.GetActionType(ctx, req.ActionType)
	if err != nil {
		return nil, storeError(op, err, errs.UnsupportedActionType)
	}
	return s.execute(ctx, req, at)
}

func (s *Service) ListRequests(ctx context.Context, f store.RequestFilter) ([]*store.SigningRequest, error) {
	list, err := s.store.ListRequests(ctx, f)
	if err != nil {
		return nil, errs.E(errs.StorageUnavailable, "coordinator.ListRequests", err)
	}
	return list, nil
}

// Drain waits for in-flight device calls and refuses new ones.
func (s *Service) Drain(ctx context.Context) error {
	return s.exec.Drain(ctx)
}

// permanent reports whether an execution error ends the request.
func permanent(k errs.Kind) bool {
	switch k {
	case errs.DeviceRejected, errs.MalformedRawSignature, errs.InvalidPayload, errs.UnsupportedActionType:
		return true
	}
	return false
}

func storeError(op string, err error, notFound errs.Kind) error {
	if errors.Is(err, store.ErrNotFound) {
		return errs.E(notFound, op, err)
	}
	return errs.E(errs.StorageUnavailable, op, err)
}

type nopAuditor struct{}

func (nopAuditor) Log(string, string, string, string, map[string]string) {}

type nopObserver struct{}

func (nopObserver) RequestCreated(string)                                        {}
func (nopObserver) ApprovalRecorded(string)                                      {}
func (nopObserver) RequestFinished(string, store.Status)                         {}
func (nopObserver) ExecutionFinished(string, store.AttemptOutcome, time.Duration) {}
