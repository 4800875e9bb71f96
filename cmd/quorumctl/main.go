package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	pb "github.com/glinharesb/quorum-vault/api/authority/v1"
	"github.com/glinharesb/quorum-vault/internal/config"
	"github.com/glinharesb/quorum-vault/internal/interceptor"
)

var version = "dev"

type clients struct {
	conn      *grpc.ClientConn
	authority *pb.AuthorityServiceClient
	admin     *pb.AdminServiceClient
	audit     *pb.AuditServiceClient
	cfg       config.Client
}

type app struct {
	cfgFile string
}

// connect loads the client config and dials the authority. The caller
// closes the connection.
func (a *app) connect(cmd *cobra.Command) (*clients, error) {
	cfg, err := config.Load[config.Client](cmd, config.ClientDefaults(), a.cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("no token: set --token or QUORUM_TOKEN")
	}

	var creds credentials.TransportCredentials
	switch {
	case cfg.Insecure:
		creds = insecure.NewCredentials()
	case cfg.CACert != "":
		creds, err = credentials.NewClientTLSFromFile(cfg.CACert, "")
		if err != nil {
			return nil, fmt.Errorf("load ca: %w", err)
		}
	default:
		creds = credentials.NewClientTLSFromCert(nil, "")
	}

	conn, err := grpc.NewClient(cfg.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(interceptor.BearerCredentials{Token: cfg.Token, Insecure: cfg.Insecure}),
		pb.CallOptions(),
	)
	if err != nil {
		return nil, err
	}
	return &clients{
		conn:      conn,
		authority: pb.NewAuthorityServiceClient(conn),
		admin:     pb.NewAdminServiceClient(conn),
		audit:     pb.NewAuditServiceClient(conn),
		cfg:       cfg,
	}, nil
}

// call runs fn with a connected client and the configured timeout.
func (a *app) call(cmd *cobra.Command, fn func(ctx context.Context, c *clients) error) error {
	c, err := a.connect(cmd)
	if err != nil {
		return err
	}
	defer c.conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.Timeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "quorumctl",
		Short:         "Client for the quorum signing authority",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "YAML client config file")
	pf.String("addr", "localhost:50051", "authority gRPC address")
	pf.String("token", "", "bearer token")
	pf.Bool("insecure", false, "use plaintext transport")
	pf.String("ca-cert", "", "CA certificate for the server's TLS certificate")
	pf.Duration("timeout", 0, "per-command timeout")

	root.AddCommand(
		newKeygenCommand(),
		newRequestCommand(a),
		newAdminCommand(a),
		newAuditCommand(a),
	)
	return root
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
