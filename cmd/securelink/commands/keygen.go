package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opd-ai/securelink/crypto"
)

func keygenCmd() *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", out)
				}
			}

			cred := crypto.GenerateCredential()
			defer cred.Wipe()
			if err := cred.Save(out); err != nil {
				return err
			}

			logger.WithField("path", out).Info("Key file written")
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", cred.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "path of the key file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
