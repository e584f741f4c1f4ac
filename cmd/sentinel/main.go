package main

import (
	"fmt"
	"os"

	"sentinel/cmd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sentinel:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
