// The main package for the playgraph executable.
package main

import (
	"github.com/playgraph/playgraph/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
