package main

import (
	"os"

	"github.com/Kocoro-lab/research-orchestrator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
