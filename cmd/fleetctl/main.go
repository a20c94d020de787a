package main

import (
	"os"

	"github.com/jrsteele09/fleetops-session/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
