package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/glinharesb/quorum-vault/internal/artifact"
	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/hsm"
	"github.com/glinharesb/quorum-vault/internal/store"
)

// execute claims an approved request and runs its device operation. Only
// the claim holder reaches the device, so a request is executed at most
// once even when several callers race here.
func (s *Service) execute(ctx context.Context, req *store.SigningRequest, at *store.ActionType) (*store.SigningResult, error) {
	const op = "coordinator.execute"

	claim := uuid.NewString()
	if err := s.store.ClaimExecution(ctx, req.ID, claim, s.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, errs.Errorf(errs.Conflict, op, "request %s is not awaiting execution", req.ID)
		}
		return nil, storeError(op, err, errs.UnknownRequest)
	}
	// The device call and its bookkeeping must not be cut short by the
	// caller going away.
	dctx := context.WithoutCancel(ctx)

	d, err := s.verifier.Tally(dctx, req, at)
	if err != nil {
		s.release(dctx, req.ID, claim)
		return nil, err
	}
	started := s.now()
	sub := artifact.SubjectFor(req, d.Counted)
	sub.SignedAt = started
	if s.encoder.NeedsSignerKey(at) {
		key, err := s.exec.Execute(dctx, hsm.Operation{Kind: hsm.OpPublicKey, KeyRef: at.KeyRef})
		if err != nil {
			s.deviceFailed(dctx, req, at, claim, started, err)
			return nil, err
		}
		sub.SignerKey = key
	}
	in, err := s.encoder.Prepare(at, sub)
	if err != nil {
		s.fail(dctx, req, at, claim, time.Time{}, err)
		return nil, err
	}

	raw, err := s.exec.Execute(dctx, deviceOperation(req, at, in))
	if err != nil {
		s.deviceFailed(dctx, req, at, claim, started, err)
		return nil, err
	}

	out, err := s.encoder.Encode(at, raw, in)
	if err != nil {
		s.fail(dctx, req, at, claim, started, err)
		return nil, err
	}

	res := &store.SigningResult{
		RequestID: req.ID,
		Format:    at.Format,
		Raw:       raw,
		Artifact:  out,
		CreatedAt: s.now(),
	}
	if err := s.store.CompleteExecution(dctx, res, claim); err != nil {
		// The device acted but the outcome is not recorded. The claim stays
		// held so nothing re-executes until an operator releases it.
		s.recordAttempt(dctx, req, at, store.AttemptAmbiguous, started, err)
		s.audit.Log("Execute", req.ID, "AMBIGUOUS", "", map[string]string{"error": err.Error(), "claim": claim})
		s.log.Error("ambiguous execution", "request_id", req.ID, "claim", claim, "error", err)
		return nil, errs.E(errs.ExecutionAmbiguous, op, err)
	}

	s.recordAttempt(dctx, req, at, store.AttemptSuccess, started, nil)
	s.observer.RequestFinished(at.Name, store.StatusExecuted)
	s.audit.Log("Execute", req.ID, "OK", "", map[string]string{"format": at.Format, "key_ref": at.KeyRef})
	s.log.Info("request executed", "request_id", req.ID, "format", at.Format)
	return res, nil
}

func deviceOperation(req *store.SigningRequest, at *store.ActionType, in *artifact.Input) hsm.Operation {
	if at.Operation == store.OperationGenerateKey {
		return hsm.Operation{Kind: hsm.OpGenerateKey, KeyRef: GeneratedKeyLabel(at, req), Curve: at.KeyCurve}
	}
	return hsm.Operation{Kind: hsm.OpSign, KeyRef: at.KeyRef, Digest: in.Digest}
}

// GeneratedKeyLabel is the device label of the key issued by a
// generate-key request.
func GeneratedKeyLabel(at *store.ActionType, req *store.SigningRequest) string {
	return at.KeyRef + "/" + req.ID
}

// deviceFailed settles the claim after a device error. A permanent error
// rejects the request; any other leaves it Approved for a retry.
func (s *Service) deviceFailed(ctx context.Context, req *store.SigningRequest, at *store.ActionType, claim string, started time.Time, err error) {
	if permanent(errs.KindOf(err)) {
		s.fail(ctx, req, at, claim, started, err)
		return
	}
	s.recordAttempt(ctx, req, at, store.AttemptTransient, started, err)
	s.release(ctx, req.ID, claim)
	s.audit.Log("Execute", req.ID, errs.KindOf(err).String(), "", map[string]string{"error": err.Error()})
	s.log.Warn("execution failed, request stays approved", "request_id", req.ID, "error", err)
}

// fail moves a claimed request to Rejected after a permanent error.
func (s *Service) fail(ctx context.Context, req *store.SigningRequest, at *store.ActionType, claim string, started time.Time, cause error) {
	if !started.IsZero() {
		s.recordAttempt(ctx, req, at, store.AttemptRejected, started, cause)
	}
	reason := errs.KindOf(cause).String() + ": " + cause.Error()
	if err := s.store.FailExecution(ctx, req.ID, claim, reason, s.now()); err != nil {
		s.log.Error("record failed execution", "request_id", req.ID, "error", err)
		return
	}
	s.observer.RequestFinished(at.Name, store.StatusRejected)
	s.audit.Log("Execute", req.ID, errs.KindOf(cause).String(), "", map[string]string{"error": cause.Error()})
	s.log.Warn("execution rejected", "request_id", req.ID, "error", cause)
}

func (s *Service) release(ctx context.Context, id, claim string) {
	if err := s.store.ReleaseExecution(ctx, id, claim); err != nil {
		s.log.Error("release execution claim", "request_id", id, "error", err)
	}
}

func (s *Service) recordAttempt(ctx context.Context, req *store.SigningRequest, at *store.ActionType, outcome store.AttemptOutcome, started time.Time, cause error) {
	finished := s.now()
	a := &store.ExecutionAttempt{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		Outcome:    outcome,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if cause != nil {
		a.Error = cause.Error()
	}
	if err := s.store.RecordAttempt(ctx, a); err != nil {
		s.log.Warn("record execution attempt", "request_id", req.ID, "error", err)
	}
	s.observer.ExecutionFinished(at.Name, outcome, finished.Sub(started))
}
