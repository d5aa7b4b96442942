package main

import (
	"os"

	"github.com/nidhogg/warmth-engine/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
