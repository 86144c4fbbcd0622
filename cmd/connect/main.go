package main

import (
	"os"

	"github.com/den/gmail-workflow-connect/internal/logger"
)

func main() {
	defer logger.Sync()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
