package main

import (
	"os"

	"github.com/Leadrive/eventql/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
