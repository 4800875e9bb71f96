package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/store"
)

// ExpireStale moves pending requests past their TTL to Expired and, with
// AutoRetry, retries approved requests nobody is executing. It returns the
// number of requests expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	const op = "coordinator.ExpireStale"

	pending, err := s.store.ListRequests(ctx, store.RequestFilter{Status: store.StatusPending})
	if err != nil {
		return 0, errs.E(errs.StorageUnavailable, op, err)
	}
	now := s.now()
	expired := 0
	for _, req := range pending {
		if !req.Expired(now) {
			continue
		}
		err := s.store.Transition(ctx, req.ID, store.StatusPending, store.StatusExpired, "ttl elapsed", now)
		switch {
		case err == nil:
			expired++
			s.observer.RequestFinished(req.ActionType, store.StatusExpired)
			s.audit.Log("Expire", req.ID, "OK", "", nil)
			s.log.Info("request expired", "request_id", req.ID, "expires_at", req.ExpiresAt)
		case errors.Is(err, store.ErrConflict):
		default:
			return expired, errs.E(errs.StorageUnavailable, op, err)
		}
	}

	if s.cfg.AutoRetry {
		s.retryApproved(ctx)
	}
	return expired, nil
}

func (s *Service) retryApproved(ctx context.Context) {
	approved, err := s.store.ListRequests(ctx, store.RequestFilter{Status: store.StatusApproved})
	if err != nil {
		s.log.Warn("list approved requests", "error", err)
		return
	}
	for _, req := range approved {
		if req.ExecutionClaim != "" {
			continue
		}
		if _, err := s.RetryExecution(ctx, req.ID); err != nil {
			s.log.Warn("automatic retry failed", "request_id", req.ID, "error", err)
		}
	}
}

// Run sweeps every SweepInterval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := s.ExpireStale(ctx); err != nil {
				s.log.Warn("sweep", "error", err)
			} else if n > 0 {
				s.log.Debug("sweep", "expired", n)
			}
		}
	}
}
