// Command archivectl records pub/sub updates into archive segments, plays
// them back and inspects segment files.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
