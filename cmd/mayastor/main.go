package main

import (
	"os"

	"github.com/openebs/mayastor/pkg/engine"
)

func main() {
	cmd := engine.NewApplicationCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
