package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glinharesb/quorum-vault/internal/config"
	"github.com/glinharesb/quorum-vault/internal/hsm"
	"github.com/glinharesb/quorum-vault/internal/provision"
	"github.com/glinharesb/quorum-vault/internal/store"
)

func newLogger(c config.Log) *slog.Logger {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.JSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openStore(ctx context.Context, c config.Store, log *slog.Logger) (store.Store, error) {
	switch c.Driver {
	case "memory":
		log.Info("using in-memory store")
		return store.NewMemoryStore(), nil
	case "file":
		path := filepath.Join(c.DataDir, "quorum.json")
		ps, err := store.NewPersistentStore(path)
		if err != nil {
			return nil, fmt.Errorf("persistent store: %w", err)
		}
		log.Info("using persistent store", "path", path)
		return ps, nil
	case "sqlite", "postgres", "mysql":
		s, err := store.OpenSQL(ctx, c.Driver, c.DSN)
		if err != nil {
			return nil, err
		}
		log.Info("using sql store", "driver", c.Driver)
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", c.Driver)
}

// openDevice returns the configured device and, for the software driver,
// the installer used for manifest keys.
func openDevice(c config.HSM, log *slog.Logger) (hsm.Device, provision.KeyInstaller, error) {
	cred := credential(c)
	switch c.Driver {
	case "software":
		var opts []hsm.SoftwareOption
		if c.KeyFile != "" {
			opts = append(opts, hsm.WithKeyFile(c.KeyFile))
		}
		d, err := hsm.NewSoftwareDevice(cred, opts...)
		if err != nil {
			return nil, nil, err
		}
		var seed []byte
		if c.Seed != "" {
			seed = []byte(c.Seed)
		}
		for _, k := range c.SoftwareKeys {
			if err := d.ProvisionKey(k.Label, k.Curve, seed); err != nil {
				return nil, nil, fmt.Errorf("provision key %s: %w", k.Label, err)
			}
		}
		log.Warn("using software hsm; keys are not hardware protected", "keys", len(c.SoftwareKeys))
		return d, d, nil
	case "pkcs11":
		d, err := hsm.NewPKCS11Device(hsm.PKCS11Config{ModulePath: c.ModulePath, TokenLabel: c.TokenLabel})
		if err != nil {
			return nil, nil, err
		}
		log.Info("using pkcs11 hsm", "module", c.ModulePath, "token", c.TokenLabel)
		return d, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown hsm driver %q", c.Driver)
}

func credential(c config.HSM) hsm.Credential {
	return hsm.Credential{ID: c.CredentialID, Secret: c.Secret}
}
