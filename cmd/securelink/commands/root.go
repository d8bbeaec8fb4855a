package commands

import (
	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/securelink"
	"github.com/opd-ai/securelink/crypto"
)

var (
	logLevel    string
	logJSON     bool
	kdfHashName string

	logger = logrus.New()
)

// kdfHash is the --kdf-hash selection, resolved before each command runs.
var kdfHash noise.HashFunc = crypto.DefaultKDFHash

// newEndpointOptions applies the global flags to fresh endpoint options.
func newEndpointOptions() *securelink.Options {
	opts := securelink.NewOptions()
	opts.Logger = logger
	opts.Session.Logger = logger
	opts.Session.KDFHash = kdfHash
	return opts
}

// Execute runs the CLI with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "securelink",
		Short:        "Authenticated, encrypted sessions over UDP",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			if kdfHash, err = crypto.HashByName(kdfHashName); err != nil {
				return err
			}
			logger.SetLevel(level)
			logger.SetOutput(cmd.ErrOrStderr())
			if logJSON {
				logger.SetFormatter(&logrus.JSONFormatter{})
			} else {
				logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	root.PersistentFlags().StringVar(&kdfHashName, "kdf-hash", crypto.DefaultKDFHash.HashName(),
		"HKDF hash (SHA256, SHA512, BLAKE2b, BLAKE2s); both peers must agree")

	root.AddCommand(keygenCmd(), fingerprintCmd(), demoCmd(), listenCmd(), dialCmd())
	return root
}
