// Package config loads layered configuration: built-in defaults, an
// optional YAML file, QUORUM_* environment variables and command flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "quorum"

// Load fills a T from defaults, configFile (or quorum.yaml in the working
// directory when configFile is empty), the environment and the flags of cmd.
// Flag names map to keys by replacing dashes with underscores, so
// --store.data-dir sets store.data_dir.
func Load[T any](cmd *cobra.Command, defaults map[string]any, configFile string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return c, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("quorum")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return c, err
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		var bindErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || f.Name == "help" {
				return
			}
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return c, bindErr
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}

type Log struct {
	JSON  bool `mapstructure:"json"`
	Debug bool `mapstructure:"debug"`
}

type Store struct {
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	DataDir string `mapstructure:"data_dir"`
}

// SoftwareKey is a key installed into the software HSM at startup.
type SoftwareKey struct {
	Label string `mapstructure:"label" yaml:"label"`
	Curve string `mapstructure:"curve" yaml:"curve"`
}

type HSM struct {
	Driver       string        `mapstructure:"driver"`
	ModulePath   string        `mapstructure:"module_path"`
	TokenLabel   string        `mapstructure:"token_label"`
	CredentialID string        `mapstructure:"credential_id"`
	Secret       string        `mapstructure:"secret"`
	MaxSessions  int           `mapstructure:"max_sessions"`
	Seed         string        `mapstructure:"seed"`
	KeyFile      string        `mapstructure:"key_file"`
	SoftwareKeys []SoftwareKey `mapstructure:"software_keys"`
}

type Requests struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	AutoRetry     bool          `mapstructure:"auto_retry"`
}

// Server is the configuration of quorum-server.
type Server struct {
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	OpsAddr         string        `mapstructure:"ops_addr"`
	TLSCert         string        `mapstructure:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key"`
	AuthToken       string        `mapstructure:"auth_token"`
	RateLimitRPS    int           `mapstructure:"rate_limit_rps"`
	AuditBuffer     int           `mapstructure:"audit_buffer"`
	ProvisionFile   string        `mapstructure:"provision_file"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EnablePprof     bool          `mapstructure:"enable_pprof"`

	Log      Log      `mapstructure:"log"`
	Store    Store    `mapstructure:"store"`
	HSM      HSM      `mapstructure:"hsm"`
	Requests Requests `mapstructure:"requests"`
}

// ServerDefaults lists every server key so environment variables resolve
// even when no file or flag mentions the key.
func ServerDefaults() map[string]any {
	return map[string]any{
		"grpc_addr":               ":50051",
		"ops_addr":                ":9090",
		"tls_cert":                "",
		"tls_key":                 "",
		"auth_token":              "",
		"rate_limit_rps":          100,
		"audit_buffer":            1024,
		"provision_file":          "",
		"shutdown_timeout":        "10s",
		"enable_pprof":            false,
		"log.json":                true,
		"log.debug":               false,
		"store.driver":            "memory",
		"store.dsn":               "",
		"store.data_dir":          "",
		"hsm.driver":              "software",
		"hsm.module_path":         "",
		"hsm.token_label":         "",
		"hsm.credential_id":       "1",
		"hsm.secret":              "",
		"hsm.max_sessions":        4,
		"hsm.seed":                "",
		"hsm.key_file":            "",
		"hsm.software_keys":       []map[string]any{},
		"requests.default_ttl":    "24h",
		"requests.sweep_interval": "1m",
		"requests.auto_retry":     false,
	}
}

var (
	storeDrivers = []string{"memory", "file", "sqlite", "postgres", "mysql"}
	hsmDrivers   = []string{"software", "pkcs11"}
)

// Validate reports the first configuration problem that would prevent
// the server from starting.
func (c *Server) Validate() error {
	switch {
	case c.AuthToken == "":
		return errors.New("auth_token is required")
	case !slices.Contains(storeDrivers, c.Store.Driver):
		return fmt.Errorf("store.driver %q: want one of %s", c.Store.Driver, strings.Join(storeDrivers, ", "))
	case c.Store.Driver == "file" && c.Store.DataDir == "":
		return errors.New("store.data_dir is required for the file driver")
	case slices.Contains([]string{"sqlite", "postgres", "mysql"}, c.Store.Driver) && c.Store.DSN == "":
		return fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver)
	case !slices.Contains(hsmDrivers, c.HSM.Driver):
		return fmt.Errorf("hsm.driver %q: want one of %s", c.HSM.Driver, strings.Join(hsmDrivers, ", "))
	case c.HSM.Driver == "pkcs11" && (c.HSM.ModulePath == "" || c.HSM.TokenLabel == ""):
		return errors.New("hsm.module_path and hsm.token_label are required for the pkcs11 driver")
	case c.HSM.MaxSessions <= 0:
		return errors.New("hsm.max_sessions must be positive")
	case c.Requests.DefaultTTL <= 0:
		return errors.New("requests.default_ttl must be positive")
	case c.Requests.SweepInterval <= 0:
		return errors.New("requests.sweep_interval must be positive")
	case (c.TLSCert == "") != (c.TLSKey == ""):
		return errors.New("tls_cert and tls_key must be set together")
	}
	for _, k := range c.HSM.SoftwareKeys {
		if k.Label == "" || k.Curve == "" {
			return errors.New("hsm.software_keys entries need label and curve")
		}
	}
	return nil
}

// Client is the configuration of quorumctl.
type Client struct {
	Addr     string        `mapstructure:"addr"`
	Token    string        `mapstructure:"token"`
	Insecure bool          `mapstructure:"insecure"`
	CACert   string        `mapstructure:"ca_cert"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func ClientDefaults() map[string]any {
	return map[string]any{
		"addr":     "localhost:50051",
		"token":    "",
		"insecure": false,
		"ca_cert":  "",
		"timeout":  "30s",
	}
}
