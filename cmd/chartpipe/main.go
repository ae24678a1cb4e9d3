package main

import (
	"os"

	"chartpipe/cmd/chartpipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
