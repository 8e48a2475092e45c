package main

import (
	"os"

	"github.com/MythologIQ/hearthlink/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
