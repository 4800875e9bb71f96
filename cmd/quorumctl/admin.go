package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	pb "github.com/glinharesb/quorum-vault/api/authority/v1"
	"github.com/glinharesb/quorum-vault/internal/provision"
)

func newAdminCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage users, action types and stuck executions",
	}

	users := &cobra.Command{Use: "users", Short: "List and register users"}
	users.AddCommand(newUsersListCommand(a), newUsersAddCommand(a))

	actions := &cobra.Command{Use: "actions", Short: "List and define action types"}
	actions.AddCommand(newActionsListCommand(a), newActionsApplyCommand(a))

	cmd.AddCommand(users, actions, newRevokeCommand(a), newReleaseCommand(a))
	return cmd
}

func newUsersListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				resp, err := c.admin.ListUsers(ctx, &pb.ListUsersRequest{})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp.Users)
			})
		},
	}
}

func newUsersAddCommand(a *app) *cobra.Command {
	var id, name, keyFile, roles string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user with their public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pemBytes, err := os.ReadFile(keyFile)
			if err != nil {
				return err
			}
			var roleList []string
			if roles != "" {
				roleList = strings.Split(roles, ",")
			}
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				resp, err := c.admin.RegisterUser(ctx, &pb.RegisterUserRequest{User: &pb.User{
					ID:           id,
					DisplayName:  name,
					PublicKeyPEM: string(pemBytes),
					Roles:        roleList,
				}})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp.User)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "user id")
	f.StringVar(&name, "name", "", "display name")
	f.StringVar(&keyFile, "key", "", "public key PEM file")
	f.StringVar(&roles, "roles", "", "comma separated roles")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newRevokeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke USER",
		Short: "Revoke a user; their approvals stop counting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				if _, err := c.admin.RevokeUser(ctx, &pb.RevokeUserRequest{UserID: args[0]}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func newActionsListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List action types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				resp, err := c.admin.ListActionTypes(ctx, &pb.ListActionTypesRequest{})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp.ActionTypes)
			})
		},
	}
}

func newActionsApplyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "apply MANIFEST",
		Short: "Create or replace the action types listed in a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := provision.Load(args[0])
			if err != nil {
				return err
			}
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				for _, at := range m.ActionTypes {
					msg, err := actionTypeToProto(at)
					if err != nil {
						return err
					}
					resp, err := c.admin.PutActionType(ctx, &pb.PutActionTypeRequest{ActionType: msg})
					if err != nil {
						return fmt.Errorf("action type %s: %w", at.Name, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s (%s, %d of %s)\n",
						resp.ActionType.Name, resp.ActionType.Operation, resp.ActionType.Threshold, eligibleSummary(resp.ActionType))
				}
				return nil
			})
		},
	}
}

func actionTypeToProto(at provision.ActionType) (*pb.ActionType, error) {
	var ttl time.Duration
	if at.TTL != "" {
		d, err := time.ParseDuration(at.TTL)
		if err != nil {
			return nil, fmt.Errorf("action type %s: ttl: %w", at.Name, err)
		}
		ttl = d
	}
	return &pb.ActionType{
		Name:            at.Name,
		Description:     at.Description,
		Operation:       at.Operation,
		Threshold:       at.Threshold,
		EligibleRole:    at.EligibleRole,
		EligibleUsers:   at.EligibleUsers,
		DigestAlgorithm: at.DigestAlgorithm,
		KeyRef:          at.KeyRef,
		KeyCurve:        at.KeyCurve,
		Format:          at.Format,
		TTLSeconds:      int64(ttl / time.Second),
	}, nil
}

func eligibleSummary(at *pb.ActionType) string {
	switch {
	case len(at.EligibleUsers) > 0:
		return strings.Join(at.EligibleUsers, ",")
	case at.EligibleRole != "":
		return "role " + at.EligibleRole
	default:
		return "any user"
	}
}

func newReleaseCommand(a *app) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "release ID",
		Short: "Drop the execution claim of an ambiguous execution",
		Long: `Drop the execution claim left by an ambiguous execution so the request
can be retried. Confirm first, for example from the device's own logs, that
the earlier attempt did not produce an artifact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, c *clients) error {
				if _, err := c.admin.ReleaseExecution(ctx, &pb.ReleaseExecutionRequest{RequestID: args[0], Actor: actor}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "operator recorded in the audit log")
	return cmd
}
