package main

import (
	gocrypto "crypto"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/glinharesb/quorum-vault/internal/crypto"
)

func newKeygenCommand() *cobra.Command {
	var curve, out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an approver key pair",
		Long: `Generate an approver key pair. The private key is written to OUT.key
(mode 0600) and the public key to OUT.pub; register the public key with
"quorumctl admin users add".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var key gocrypto.Signer
			if curve == "ed25519" {
				_, priv, err := ed25519.GenerateKey(rand.Reader)
				if err != nil {
					return err
				}
				key = priv
			} else {
				c, err := crypto.CurveByName(curve)
				if err != nil {
					return err
				}
				ecKey, err := crypto.GenerateECDSAKey(c)
				if err != nil {
					return err
				}
				key = ecKey
			}

			privPEM, err := crypto.MarshalPrivateKeyPEM(key)
			if err != nil {
				return err
			}
			pubPEM, err := crypto.MarshalPublicKeyPEM(key.Public())
			if err != nil {
				return err
			}
			if err := os.WriteFile(out+".key", privPEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(out+".pub", pubPEM, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s.key and %s.pub\n", out, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&curve, "curve", "p256", "p256, p384 or ed25519")
	cmd.Flags().StringVar(&out, "out", "approver", "output path prefix")
	return cmd
}
