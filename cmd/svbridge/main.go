package main

import (
	"os"

	"github.com/zetaloop/simple-vertex-bridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
