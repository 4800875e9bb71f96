package hsm

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/glinharesb/quorum-vault/internal/crypto"
)

const wrapLabel = "quorum-vault/software-hsm/wrap/v1"

type softwareKey struct {
	key   *ecdsa.PrivateKey
	curve string
}

type wrappedKey struct {
	Curve  string `json:"curve"`
	Sealed []byte `json:"sealed"`
}

// SoftwareDevice is a software-only HSM for development and testing.
// Keys live in process memory and, when a key file is configured, on disk
// sealed under a key derived from the device credential.
type SoftwareDevice struct {
	cred    Credential
	keyFile string

	mu      sync.RWMutex
	keys    map[string]softwareKey
	offline bool
}

// SoftwareOption configures a SoftwareDevice.
type SoftwareOption func(*SoftwareDevice)

// WithKeyFile persists generated and provisioned keys to path.
func WithKeyFile(path string) SoftwareOption {
	return func(d *SoftwareDevice) { d.keyFile = path }
}

func NewSoftwareDevice(cred Credential, opts ...SoftwareOption) (*SoftwareDevice, error) {
	d := &SoftwareDevice{
		cred: cred,
		keys: make(map[string]softwareKey),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.keyFile != "" {
		if _, err := os.Stat(d.keyFile); err == nil {
			if err := d.load(); err != nil {
				return nil, fmt.Errorf("load key file: %w", err)
			}
			slog.Info("software hsm keys loaded", "keys", len(d.keys))
		}
	}
	return d, nil
}

// ProvisionKey installs a key under label. With a non-empty seed the key
// is derived deterministically from seed and label; otherwise it is random.
// Existing labels are left untouched.
func (d *SoftwareDevice) ProvisionKey(label, curveName string, seed []byte) error {
	curve, err := crypto.CurveByName(curveName)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.keys[label]; exists {
		return nil
	}

	var key *ecdsa.PrivateKey
	if len(seed) > 0 {
		key, err = deriveECDSAKey(seed, label, curveName)
	} else {
		key, err = crypto.GenerateECDSAKey(curve)
	}
	if err != nil {
		return err
	}
	d.keys[label] = softwareKey{key: key, curve: curveName}
	return d.saveLocked()
}

// PublicKey returns the public half of a stored key.
func (d *SoftwareDevice) PublicKey(label string) (*ecdsa.PublicKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	k, ok := d.keys[label]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", label, ErrOperationRejected)
	}
	return &k.key.PublicKey, nil
}

// SetOffline makes Open fail with ErrUnreachable until reset.
func (d *SoftwareDevice) SetOffline(offline bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offline = offline
}

func (d *SoftwareDevice) Open(ctx context.Context, cred Credential) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	d.mu.RLock()
	offline := d.offline
	d.mu.RUnlock()
	if offline {
		return nil, fmt.Errorf("software device offline: %w", ErrUnreachable)
	}

	if cred.ID != d.cred.ID || subtle.ConstantTimeCompare([]byte(cred.Secret), []byte(d.cred.Secret)) != 1 {
		return nil, fmt.Errorf("credential %q: %w", cred.ID, ErrAuthFailed)
	}
	return &softwareSession{device: d}, nil
}

type softwareSession struct {
	device *SoftwareDevice
	closed bool
}

// Sign returns the fixed-width raw r||s encoding.
func (s *softwareSession) Sign(_ context.Context, keyRef string, digest []byte) ([]byte, error) {
	if s.closed {
		return nil, fmt.Errorf("session closed: %w", ErrUnreachable)
	}
	switch len(digest) {
	case 32, 48, 64:
	default:
		return nil, fmt.Errorf("digest length %d: %w", len(digest), ErrOperationRejected)
	}

	s.device.mu.RLock()
	k, ok := s.device.keys[keyRef]
	s.device.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key %s not found: %w", keyRef, ErrOperationRejected)
	}

	r, sv, err := ecdsa.Sign(rand.Reader, k.key, digest)
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}
	size := (k.key.Curve.Params().BitSize + 7) / 8
	raw := make([]byte, 2*size)
	r.FillBytes(raw[:size])
	sv.FillBytes(raw[size:])
	return raw, nil
}

func (s *softwareSession) GenerateKey(_ context.Context, keyRef, curveName string) ([]byte, error) {
	if s.closed {
		return nil, fmt.Errorf("session closed: %w", ErrUnreachable)
	}
	curve, err := crypto.CurveByName(curveName)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrOperationRejected)
	}

	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.keys[keyRef]; exists {
		return nil, fmt.Errorf("key %s already exists: %w", keyRef, ErrOperationRejected)
	}
	key, err := crypto.GenerateECDSAKey(curve)
	if err != nil {
		return nil, err
	}
	d.keys[keyRef] = softwareKey{key: key, curve: curveName}
	if err := d.saveLocked(); err != nil {
		delete(d.keys, keyRef)
		return nil, err
	}
	return key.PublicKey.Bytes()
}

func (s *softwareSession) PublicKey(_ context.Context, keyRef string) ([]byte, error) {
	if s.closed {
		return nil, fmt.Errorf("session closed: %w", ErrUnreachable)
	}
	pub, err := s.device.PublicKey(keyRef)
	if err != nil {
		return nil, err
	}
	return pub.Bytes()
}

func (s *softwareSession) Close() error {
	s.closed = true
	return nil
}

// deriveECDSAKey expands seed with HKDF until it yields a valid scalar.
func deriveECDSAKey(seed []byte, label, curveName string) (*ecdsa.PrivateKey, error) {
	curve, err := crypto.CurveByName(curveName)
	if err != nil {
		return nil, err
	}
	size := (curve.Params().BitSize + 7) / 8
	for counter := 0; counter < 16; counter++ {
		info := fmt.Sprintf("quorum-vault/software-hsm/key/%s/%s/%d", curveName, label, counter)
		d, err := crypto.DeriveKey(seed, []byte(info), size)
		if err != nil {
			return nil, err
		}
		key, err := ecdsa.ParseRawPrivateKey(curve, d)
		if err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("could not derive key for %s", label)
}

// saveLocked writes sealed keys to a temp file then atomically renames it.
// Callers hold d.mu.
func (d *SoftwareDevice) saveLocked() error {
	if d.keyFile == "" {
		return nil
	}

	out := make(map[string]wrappedKey, len(d.keys))
	for label, k := range d.keys {
		der, err := crypto.MarshalPrivateKey(k.key)
		if err != nil {
			return fmt.Errorf("marshal key %s: %w", label, err)
		}
		sealed, err := crypto.Seal([]byte(d.cred.Secret), wrapLabel, der, []byte(label))
		if err != nil {
			return fmt.Errorf("seal key %s: %w", label, err)
		}
		out[label] = wrappedKey{Curve: k.curve, Sealed: sealed}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.keyFile), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	tmpPath := d.keyFile + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, d.keyFile); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func (d *SoftwareDevice) load() error {
	data, err := os.ReadFile(d.keyFile)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var in map[string]wrappedKey
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}

	for label, w := range in {
		der, err := crypto.Open([]byte(d.cred.Secret), wrapLabel, w.Sealed, []byte(label))
		if err != nil {
			return fmt.Errorf("unseal key %s: %w", label, err)
		}
		signer, err := crypto.UnmarshalPrivateKey(der)
		if err != nil {
			return fmt.Errorf("unmarshal key %s: %w", label, err)
		}
		key, ok := signer.(*ecdsa.PrivateKey)
		if !ok {
			return fmt.Errorf("key %s is not ECDSA", label)
		}
		d.keys[label] = softwareKey{key: key, curve: w.Curve}
	}
	return nil
}
