// Command tmrsh runs scripts whose callbacks are driven by hardware timer
// units, either simulated, emulated in-process or on a connected board.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
