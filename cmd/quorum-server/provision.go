package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glinharesb/quorum-vault/internal/config"
	"github.com/glinharesb/quorum-vault/internal/coordinator"
	"github.com/glinharesb/quorum-vault/internal/hsm"
	"github.com/glinharesb/quorum-vault/internal/provision"
)

func newProvisionCommand(cfgFile *string) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "provision MANIFEST",
		Short: "Apply a manifest of users, action types and keys to the configured store",
		Long: `Apply a YAML manifest directly to the configured store and HSM without
starting the server. Users that already exist are left unchanged; action
types are replaced. Keys are only installed with the software HSM.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[config.Server](cmd, config.ServerDefaults(), *cfgFile)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			if cfg.AuthToken == "" {
				// The token guards the network surface only.
				cfg.AuthToken = "unused"
			}
			if err := cfg.Validate(); err != nil {
				return &exitError{code: 2, err: fmt.Errorf("invalid config: %w", err)}
			}
			manifest, err := provision.Load(args[0])
			if err != nil {
				return err
			}
			if dryRun {
				out, err := provision.Marshal(manifest)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}

			log := newLogger(cfg.Log)
			st, err := openStore(cmd.Context(), cfg.Store, log)
			if err != nil {
				return err
			}
			defer st.Close()
			device, keys, err := openDevice(cfg.HSM, log)
			if err != nil {
				return err
			}
			svc := coordinator.New(st, hsm.NewBackend(device, credential(cfg.HSM), hsm.WithLogger(log)),
				coordinator.WithLogger(log))

			sum, err := provision.Apply(cmd.Context(), svc, keys, manifest, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "keys %d, users added %d, users unchanged %d, action types %d\n",
				sum.Keys, sum.UsersAdded, sum.UsersSkipped, sum.ActionTypes)
			return nil
		},
	}
	addServerFlags(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and print the manifest without applying it")
	return cmd
}
