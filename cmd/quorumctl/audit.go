package main

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/glinharesb/quorum-vault/api/authority/v1"
)

func newAuditCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and follow the audit log",
	}
	cmd.AddCommand(newAuditQueryCommand(a), newAuditTailCommand(a))
	return cmd
}

func newAuditQueryCommand(a *app) *cobra.Command {
	var requestID, operation, actor string
	var since time.Duration
	var limit int
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print stored audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				req := &pb.QueryAuditRequest{
					RequestID: requestID,
					Operation: operation,
					Actor:     actor,
					Limit:     limit,
				}
				if since > 0 {
					req.Start = time.Now().Add(-since)
				}
				resp, err := c.audit.QueryAudit(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp.Entries)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&requestID, "request", "", "filter by request id")
	f.StringVar(&operation, "operation", "", "filter by operation")
	f.StringVar(&actor, "actor", "", "filter by actor")
	f.DurationVar(&since, "since", 0, "only entries newer than this")
	f.IntVar(&limit, "limit", 100, "maximum number of entries")
	return cmd
}

func newAuditTailCommand(a *app) *cobra.Command {
	var requestID, operation string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow new audit entries until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.connect(cmd)
			if err != nil {
				return err
			}
			defer c.conn.Close()

			stream, err := c.audit.StreamAudit(cmd.Context(), &pb.StreamAuditRequest{
				RequestID: requestID,
				Operation: operation,
			})
			if err != nil {
				return err
			}
			for {
				entry, err := stream.Recv()
				if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
					return nil
				}
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), entry); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "only entries for this request")
	cmd.Flags().StringVar(&operation, "operation", "", "only entries for this operation")
	return cmd
}
