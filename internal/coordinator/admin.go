package coordinator

import (
	"context"
	"errors"
	"strings"

	"github.com/glinharesb/quorum-vault/internal/crypto"
	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/store"
)

// RegisterUser adds a user. The public key must be an ECDSA or Ed25519
// key in PEM form.
func (s *Service) RegisterUser(ctx context.Context, u *store.User) (*store.User, error) {
	const op = "coordinator.RegisterUser"

	if u.ID == "" {
		return nil, errs.Errorf(errs.InvalidPayload, op, "user id is required")
	}
	if _, err := crypto.ParsePublicKeyPEM([]byte(u.PublicKeyPEM)); err != nil {
		return nil, errs.E(errs.InvalidPayload, op, err)
	}
	user := &store.User{
		ID:           u.ID,
		DisplayName:  u.DisplayName,
		PublicKeyPEM: u.PublicKeyPEM,
		Roles:        u.Roles,
		CreatedAt:    s.now(),
	}
	if err := s.store.PutUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errs.Errorf(errs.AlreadyExists, op, "user %s already exists", u.ID)
		}
		return nil, errs.E(errs.StorageUnavailable, op, err)
	}
	s.audit.Log("RegisterUser", "", "OK", user.ID, map[string]string{"roles": strings.Join(user.Roles, ",")})
	return user, nil
}

// RevokeUser disables a user. Their recorded approvals stop counting.
func (s *Service) RevokeUser(ctx context.Context, id string) error {
	const op = "coordinator.RevokeUser"
	if err := s.store.RevokeUser(ctx, id, s.now()); err != nil {
		return storeError(op, err, errs.UnknownUser)
	}
	s.audit.Log("RevokeUser", "", "OK", id, nil)
	s.log.Info("user revoked", "user_id", id)
	return nil
}

func (s *Service) ListUsers(ctx context.Context) ([]*store.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, errs.E(errs.StorageUnavailable, "coordinator.ListUsers", err)
	}
	return users, nil
}

// PutActionType creates or replaces an action type after checking that
// its policy can be met and its output format fits its operation.
func (s *Service) PutActionType(ctx context.Context, at *store.ActionType) (*store.ActionType, error) {
	const op = "coordinator.PutActionType"

	if at.Name == "" {
		return nil, errs.Errorf(errs.InvalidPayload, op, "action type name is required")
	}
	if at.KeyRef == "" {
		return nil, errs.Errorf(errs.InvalidPayload, op, "action type %s needs a key reference", at.Name)
	}
	if err := s.policy.Validate(at); err != nil {
		return nil, errs.E(errs.InvalidPayload, op, err)
	}
	if err := s.encoder.Validate(at); err != nil {
		return nil, err
	}
	now := s.now()
	stored := *at
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if err := s.store.PutActionType(ctx, &stored); err != nil {
		return nil, errs.E(errs.StorageUnavailable, op, err)
	}
	s.audit.Log("PutActionType", "", "OK", "", map[string]string{"name": at.Name, "format": at.Format})
	saved, err := s.store.GetActionType(ctx, at.Name)
	if err != nil {
		return nil, errs.E(errs.StorageUnavailable, op, err)
	}
	return saved, nil
}

func (s *Service) ListActionTypes(ctx context.Context) ([]*store.ActionType, error) {
	list, err := s.store.ListActionTypes(ctx)
	if err != nil {
		return nil, errs.E(errs.StorageUnavailable, "coordinator.ListActionTypes", err)
	}
	return list, nil
}

// ReleaseExecution drops a stuck execution claim, typically after an
// ambiguous execution was investigated. The request becomes retryable.
func (s *Service) ReleaseExecution(ctx context.Context, id, actor string) error {
	const op = "coordinator.ReleaseExecution"
	if err := s.store.ReleaseExecution(ctx, id, ""); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return errs.Errorf(errs.Conflict, op, "request %s has no execution claim", id)
		}
		return storeError(op, err, errs.UnknownRequest)
	}
	s.audit.Log("ReleaseExecution", id, "OK", actor, nil)
	s.log.Warn("execution claim released", "request_id", id, "actor", actor)
	return nil
}
