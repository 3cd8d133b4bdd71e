package main

import (
	"errors"
	"os"

	"github.com/drover-org/drover/internal/cmd"
)

func main() {
	if err := cmd.New().Execute(); err != nil {
		if errors.Is(err, cmd.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
