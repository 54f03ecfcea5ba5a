// Command dupwatch watches directory trees for files whose content
// duplicates a file seen before.
package main

import (
	"os"

	"github.com/tripwire/dupwatch/cmd/dupwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
