package main

import (
	"os"

	"github.com/ebowwa/mcp-ssh-manager/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
