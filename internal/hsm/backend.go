package hsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/glinharesb/quorum-vault/internal/errs"
)

// Observer receives one call per device operation.
type Observer interface {
	ObserveDeviceCall(op, outcome string, d time.Duration)
}

// Backend runs privileged operations on a Device. Each call opens a
// session with the provisioned credential, performs one operation and
// closes the session. At most maxSessions calls are in flight; the rest
// wait for a slot.
type Backend struct {
	device   Device
	cred     Credential
	sessions *semaphore.Weighted
	log      *slog.Logger
	observer Observer

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

func WithMaxSessions(n int) BackendOption {
	return func(b *Backend) {
		if n > 0 {
			b.sessions = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.log = l }
}

func WithObserver(o Observer) BackendOption {
	return func(b *Backend) { b.observer = o }
}

func NewBackend(device Device, cred Credential, opts ...BackendOption) *Backend {
	b := &Backend{
		device:   device,
		cred:     cred,
		sessions: semaphore.NewWeighted(4),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Probe opens and closes one session to validate reachability and the
// credential. The session counts against maxSessions; when every slot is
// taken the device is evidently serving calls and Probe reports success
// without opening another.
func (b *Backend) Probe(ctx context.Context) error {
	const op = "hsm.Probe"
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return errs.E(errs.DeviceUnreachable, op, errors.New("backend is shutting down"))
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	if !b.sessions.TryAcquire(1) {
		return nil
	}
	defer b.sessions.Release(1)

	sess, err := b.device.Open(ctx, b.cred)
	if err != nil {
		return classify(op, err)
	}
	if err := sess.Close(); err != nil {
		b.log.Warn("hsm session close", "error", err)
	}
	return nil
}

// Execute performs op and returns the device's raw output.
// Errors carry errs.DeviceUnreachable, errs.DeviceAuth or errs.DeviceRejected.
func (b *Backend) Execute(ctx context.Context, op Operation) ([]byte, error) {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return nil, errs.E(errs.DeviceUnreachable, "hsm.Execute", errors.New("backend is shutting down"))
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	if err := b.sessions.Acquire(ctx, 1); err != nil {
		return nil, errs.E(errs.DeviceUnreachable, "hsm.Execute", fmt.Errorf("wait for session: %w", err))
	}
	defer b.sessions.Release(1)

	start := time.Now()
	raw, err := b.run(ctx, op)
	outcome := "ok"
	if err != nil {
		outcome = errs.KindOf(err).String()
	}
	if b.observer != nil {
		b.observer.ObserveDeviceCall(op.Kind.String(), outcome, time.Since(start))
	}
	b.log.Debug("hsm call", "op", op.Kind.String(), "key_ref", op.KeyRef, "outcome", outcome, "duration", time.Since(start))
	return raw, err
}

func (b *Backend) run(ctx context.Context, op Operation) ([]byte, error) {
	sess, err := b.device.Open(ctx, b.cred)
	if err != nil {
		return nil, classify("hsm.Open", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			b.log.Warn("hsm session close", "error", err)
		}
	}()

	var raw []byte
	switch op.Kind {
	case OpSign:
		raw, err = sess.Sign(ctx, op.KeyRef, op.Digest)
	case OpGenerateKey:
		raw, err = sess.GenerateKey(ctx, op.KeyRef, op.Curve)
	case OpPublicKey:
		raw, err = sess.PublicKey(ctx, op.KeyRef)
	default:
		return nil, errs.Errorf(errs.DeviceRejected, "hsm.Execute", "unknown operation %d", op.Kind)
	}
	if err != nil {
		return nil, classify("hsm."+op.Kind.String(), err)
	}
	return raw, nil
}

// Drain stops accepting new operations and waits for in-flight ones.
// It returns ctx.Err() if ctx ends first; the operations keep running.
func (b *Backend) Drain(ctx context.Context) error {
	b.mu.Lock()
	b.draining = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrAuthFailed):
		return errs.E(errs.DeviceAuth, op, err)
	case errors.Is(err, ErrOperationRejected):
		return errs.E(errs.DeviceRejected, op, err)
	default:
		return errs.E(errs.DeviceUnreachable, op, err)
	}
}
