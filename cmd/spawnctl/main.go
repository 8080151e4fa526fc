// Command spawnctl drives a persistent dispatcher helper process from the
// command line: launching it, streaming its output, escalating signals on
// Ctrl-C, and listing past runs from the history store.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
