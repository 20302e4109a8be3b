package main

import (
	"os"

	"github.com/austindbirch/fieldqueue/cmd/fieldctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
