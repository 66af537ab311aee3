// helixctl runs analysis models locally without the HTTP server: it scans the
// model registry, executes an entry point against a dataset, and prints the
// StandardResult as JSON.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
