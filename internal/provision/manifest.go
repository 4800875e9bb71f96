// Package provision applies a YAML manifest of users, action types and
// software keys to a running authority. Applying the same manifest twice
// leaves the authority unchanged.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/glinharesb/quorum-vault/internal/coordinator"
	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/store"
)

type Manifest struct {
	Keys        []Key        `yaml:"keys"`
	Users       []User       `yaml:"users"`
	ActionTypes []ActionType `yaml:"action_types"`
}

// Key is installed into the software HSM. Seeded keys are reproducible.
type Key struct {
	Label string `yaml:"label"`
	Curve string `yaml:"curve"`
	Seed  string `yaml:"seed,omitempty"`
}

// User carries either an inline PEM key or a path to one, relative to the
// manifest file.
type User struct {
	ID            string   `yaml:"id"`
	DisplayName   string   `yaml:"display_name,omitempty"`
	PublicKey     string   `yaml:"public_key,omitempty"`
	PublicKeyFile string   `yaml:"public_key_file,omitempty"`
	Roles         []string `yaml:"roles,omitempty"`
}

type ActionType struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description,omitempty"`
	Operation       string   `yaml:"operation"`
	Threshold       int      `yaml:"threshold"`
	EligibleRole    string   `yaml:"eligible_role,omitempty"`
	EligibleUsers   []string `yaml:"eligible_users,omitempty"`
	DigestAlgorithm string   `yaml:"digest_algorithm,omitempty"`
	KeyRef          string   `yaml:"key_ref"`
	KeyCurve        string   `yaml:"key_curve"`
	Format          string   `yaml:"format"`
	TTL             string   `yaml:"ttl,omitempty"`
}

// KeyInstaller is the part of the software HSM used for key provisioning.
type KeyInstaller interface {
	ProvisionKey(label, curve string, seed []byte) error
}

// Parse decodes a manifest, rejecting unknown fields. baseDir resolves
// relative public_key_file paths.
func Parse(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.UnmarshalWithOptions(data, &m, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	for i := range m.Users {
		u := &m.Users[i]
		if u.ID == "" {
			return nil, fmt.Errorf("users[%d]: id is required", i)
		}
		if (u.PublicKey == "") == (u.PublicKeyFile == "") {
			return nil, fmt.Errorf("user %s: exactly one of public_key and public_key_file is required", u.ID)
		}
		if u.PublicKeyFile != "" {
			path := u.PublicKeyFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			pemBytes, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("user %s: %w", u.ID, err)
			}
			u.PublicKey = string(pemBytes)
		}
	}
	for i, k := range m.Keys {
		if k.Label == "" || k.Curve == "" {
			return nil, fmt.Errorf("keys[%d]: label and curve are required", i)
		}
	}
	return &m, nil
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, filepath.Dir(path))
}

// Marshal renders m as YAML.
func Marshal(m *Manifest) ([]byte, error) {
	return yaml.Marshal(m)
}

func (a ActionType) toStore() (*store.ActionType, error) {
	operation, ok := store.ParseOperation(a.Operation)
	if !ok {
		return nil, fmt.Errorf("action type %s: unknown operation %q", a.Name, a.Operation)
	}
	var ttl time.Duration
	if a.TTL != "" {
		d, err := time.ParseDuration(a.TTL)
		if err != nil {
			return nil, fmt.Errorf("action type %s: ttl: %w", a.Name, err)
		}
		ttl = d
	}
	return &store.ActionType{
		Name:            a.Name,
		Description:     a.Description,
		Operation:       operation,
		Threshold:       a.Threshold,
		EligibleRole:    a.EligibleRole,
		EligibleUsers:   a.EligibleUsers,
		DigestAlgorithm: a.DigestAlgorithm,
		KeyRef:          a.KeyRef,
		KeyCurve:        a.KeyCurve,
		Format:          a.Format,
		TTL:             ttl,
	}, nil
}

// Summary counts what Apply changed.
type Summary struct {
	Keys         int
	UsersAdded   int
	UsersSkipped int
	ActionTypes  int
}

// Apply installs keys (when keys is non-nil), registers users that do not
// exist yet and upserts every action type.
func Apply(ctx context.Context, svc *coordinator.Service, keys KeyInstaller, m *Manifest, log *slog.Logger) (Summary, error) {
	if log == nil {
		log = slog.Default()
	}
	var sum Summary

	if len(m.Keys) > 0 && keys == nil {
		return sum, fmt.Errorf("manifest lists %d keys but the hsm driver cannot install keys", len(m.Keys))
	}
	for _, k := range m.Keys {
		var seed []byte
		if k.Seed != "" {
			seed = []byte(k.Seed)
		}
		if err := keys.ProvisionKey(k.Label, k.Curve, seed); err != nil {
			return sum, fmt.Errorf("key %s: %w", k.Label, err)
		}
		sum.Keys++
	}

	for _, u := range m.Users {
		_, err := svc.RegisterUser(ctx, &store.User{
			ID:           u.ID,
			DisplayName:  u.DisplayName,
			PublicKeyPEM: u.PublicKey,
			Roles:        u.Roles,
		})
		switch {
		case err == nil:
			sum.UsersAdded++
		case errs.Is(err, errs.AlreadyExists):
			log.Debug("user already registered", "user_id", u.ID)
			sum.UsersSkipped++
		default:
			return sum, fmt.Errorf("user %s: %w", u.ID, err)
		}
	}

	for _, a := range m.ActionTypes {
		at, err := a.toStore()
		if err != nil {
			return sum, err
		}
		if _, err := svc.PutActionType(ctx, at); err != nil {
			return sum, fmt.Errorf("action type %s: %w", a.Name, err)
		}
		sum.ActionTypes++
	}

	log.Info("manifest applied",
		"keys", sum.Keys,
		"users_added", sum.UsersAdded,
		"users_skipped", sum.UsersSkipped,
		"action_types", sum.ActionTypes,
	)
	return sum, nil
}
