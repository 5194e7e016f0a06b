package main

import (
	"os"

	"github.com/kvledger/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
