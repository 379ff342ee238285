// Command alfred runs the state document service.
package main

import (
	"os"

	"github.com/alfred-project/alfred/cmd/alfred/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
