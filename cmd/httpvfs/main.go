package main

import (
	"os"

	"github.com/javi11/httpvfs/cmd/httpvfs/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
