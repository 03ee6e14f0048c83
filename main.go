// The main package for the econcrawl executable.
package main

import (
	"github.com/JakeFAU/econcrawl/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
