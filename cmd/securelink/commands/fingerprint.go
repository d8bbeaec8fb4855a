package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/securelink/crypto"
)

func fingerprintCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint of a key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := crypto.LoadCredential(key)
			if err != nil {
				return err
			}
			defer cred.Wipe()
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", cred.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "key file written by keygen")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
