package main

import (
	"time"

	"github.com/spf13/cobra"
)

// addServerFlags registers the flags shared by serve and provision. Names
// follow config keys with underscores written as dashes.
func addServerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("grpc-addr", ":50051", "gRPC listen address")
	f.String("ops-addr", ":9090", "ops HTTP listen address (health, metrics, shutdown)")
	f.String("auth-token", "", "bearer token required on every RPC")
	f.Int("rate-limit-rps", 100, "global request rate limit, 0 disables")
	f.String("provision-file", "", "manifest applied at startup")
	f.Bool("log.json", true, "log as JSON")
	f.Bool("log.debug", false, "enable debug logging")
	f.String("store.driver", "memory", "memory, file, sqlite, postgres or mysql")
	f.String("store.dsn", "", "database DSN for sql drivers")
	f.String("store.data-dir", "", "directory for the file driver")
	f.String("hsm.driver", "software", "software or pkcs11")
	f.String("hsm.module-path", "", "PKCS#11 module path")
	f.String("hsm.token-label", "", "PKCS#11 token label")
	f.Int("hsm.max-sessions", 4, "concurrent device sessions")
	f.String("hsm.key-file", "", "software HSM key file")
	f.Duration("requests.default-ttl", 24*time.Hour, "request lifetime when the action type sets none")
	f.Bool("requests.auto-retry", false, "retry approved requests from the sweeper")
}
