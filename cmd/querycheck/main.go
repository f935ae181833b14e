// Package main is the entry point for the querycheck binary.
package main

import (
	"os"

	cli "querycheck/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
