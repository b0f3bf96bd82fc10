// Package main provides the entry point for the auctioneer application.
package main

import (
	"os"

	"github.com/ethpandaops/auctioneer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
