// Command atmosphere is the mesh daemon and its owner CLI. The daemon
// (atmosphere serve) owns all state; every other subcommand talks to
// it over the local API, falling back to direct file access for the
// few operations that work offline.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// a .env next to the binary is a convenience for dev setups
	_ = godotenv.Load()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
