// The main package for the tender-crawler executable.
package main

import (
	"os"

	"github.com/procwatch/tender-crawler/cmd"
)

// main is the entry point of the application. The exit code distinguishes
// a clean run, a failed run, and a completed-but-degraded run.
func main() {
	os.Exit(cmd.Execute())
}
