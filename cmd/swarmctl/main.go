// Command swarmctl decomposes and coordinates problems offline, without a
// running server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
