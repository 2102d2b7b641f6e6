// The main package for the tieringctl executable.
package main

import (
	"github.com/JakeFAU/warc-tiering/cmd"
)

// main defers all execution to the Cobra command tree.
func main() {
	cmd.Execute()
}
