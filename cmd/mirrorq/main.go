package main

import (
	"os"

	"github.com/mirrorq/mirrorq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
