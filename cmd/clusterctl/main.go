// Package main provides clusterctl, the operator CLI for clusterscope.
package main

import (
	"fmt"
	"os"

	"github.com/thebtf/clusterscope/cmd/clusterctl/commands"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := commands.NewRootCmd(fmt.Sprintf("%s (commit: %s)", version, commit))
	if err := root.Execute(); err != nil {
		commands.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}
