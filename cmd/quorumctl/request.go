package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	pb "github.com/glinharesb/quorum-vault/api/authority/v1"
	"github.com/glinharesb/quorum-vault/internal/approval"
	"github.com/glinharesb/quorum-vault/internal/crypto"
)

func newRequestCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Create, approve and inspect signing requests",
	}
	cmd.AddCommand(
		newRequestCreateCommand(a),
		newRequestGetCommand(a),
		newRequestApproveCommand(a),
		newRequestRejectCommand(a),
		newRequestRetryCommand(a),
		newRequestResultCommand(a),
		newRequestListCommand(a),
	)
	return cmd
}

// fileDigest hashes path with the named algorithm.
func fileDigest(path, algorithm string) ([]byte, error) {
	h, err := crypto.HashByName(algorithm)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hasher := h.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}

func newRequestCreateCommand(a *app) *cobra.Command {
	var actionType, digestHex, file, algorithm, requester, subject string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Propose an action",
		Long: `Propose an action. Signing actions need the digest to sign, given as
--digest HEX or computed from --file with --digest-alg. Key generation
actions take no digest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var digest []byte
			switch {
			case digestHex != "" && file != "":
				return errors.New("--digest and --file are mutually exclusive")
			case digestHex != "":
				d, err := hex.DecodeString(digestHex)
				if err != nil {
					return fmt.Errorf("--digest: %w", err)
				}
				digest = d
			case file != "":
				d, err := fileDigest(file, algorithm)
				if err != nil {
					return err
				}
				digest = d
				if subject == "" {
					subject = file
				}
			}
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				resp, err := c.authority.CreateRequest(ctx, &pb.CreateRequestRequest{
					ActionType:  actionType,
					Digest:      digest,
					RequesterID: requester,
					SubjectName: subject,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp.Request)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&actionType, "action", "", "action type name")
	f.StringVar(&digestHex, "digest", "", "hex digest to sign")
	f.StringVar(&file, "file", "", "file to hash and sign")
	f.StringVar(&algorithm, "digest-alg", "sha256", "hash used with --file")
	f.StringVar(&requester, "requester", "", "requesting user id")
	f.StringVar(&subject, "subject", "", "artifact name recorded in attestations")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("requester")
	return cmd
}

func newRequestGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a request with its approvals and execution attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				resp, err := c.authority.GetRequest(ctx, &pb.GetRequestRequest{RequestID: args[0]})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
}

func newRequestApproveCommand(a *app) *cobra.Command {
	var approver, keyFile string
	cmd := &cobra.Command{
		Use:   "approve ID",
		Short: "Sign and submit an approval",
		Long: `Fetch the request, sign its approval message with the approver's
private key and submit the signature. Review the request with
"quorumctl request get" before approving.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pemBytes, err := os.ReadFile(keyFile)
			if err != nil {
				return err
			}
			key, err := crypto.ParsePrivateKeyPEM(pemBytes)
			if err != nil {
				return err
			}
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				got, err := c.authority.GetRequest(ctx, &pb.GetRequestRequest{RequestID: args[0]})
				if err != nil {
					return err
				}
				r := got.Request
				sig, err := approval.Sign(key, r.ID, r.ActionType, r.DigestAlgorithm, r.Digest)
				if err != nil {
					return err
				}
				resp, err := c.authority.SubmitApproval(ctx, &pb.SubmitApprovalRequest{
					RequestID:  r.ID,
					ApproverID: approver,
					Signature:  sig,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&approver, "approver", "", "approver user id")
	cmd.Flags().StringVar(&keyFile, "key", "", "approver private key PEM")
	_ = cmd.MarkFlagRequired("approver")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newRequestRejectCommand(a *app) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				resp, err := c.authority.RejectRequest(ctx, &pb.RejectRequestRequest{
					RequestID: args[0],
					ActorID:   actor,
					Reason:    reason,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp.Request)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "rejecting user id")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the request")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newRequestRetryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Retry execution of an approved request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				resp, err := c.authority.RetryRequest(ctx, &pb.RetryRequestRequest{RequestID: args[0]})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp.Result)
			})
		},
	}
}

func newRequestResultCommand(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "result ID",
		Short: "Fetch the artifact of an executed request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				resp, err := c.authority.FetchResult(ctx, &pb.FetchResultRequest{RequestID: args[0]})
				if err != nil {
					return err
				}
				if out == "" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				if err := os.WriteFile(out, resp.Artifact, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s artifact to %s\n", resp.Format, out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the raw artifact to this file")
	return cmd
}

func newRequestListCommand(a *app) *cobra.Command {
	var status, actionType, requester string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				resp, err := c.authority.ListRequests(ctx, &pb.ListRequestsRequest{
					Status:      status,
					ActionType:  actionType,
					RequesterID: requester,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp.Requests)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "pending, approved, executed, rejected or expired")
	f.StringVar(&actionType, "action", "", "filter by action type")
	f.StringVar(&requester, "requester", "", "filter by requester")
	f.IntVar(&limit, "limit", 50, "maximum number of requests")
	return cmd
}
