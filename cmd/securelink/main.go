package main

import (
	"os"

	"github.com/opd-ai/securelink/cmd/securelink/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
