package main

import (
	"strings"

	"go.uber.org/zap"

	"github.com/nikiv/ghost/internal/logging"
)

// newLogger builds the process logger, honoring --log-level over the
// config file.
func newLogger(cfg logging.Config) (*zap.SugaredLogger, func(), error) {
	if level := strings.TrimSpace(levelFlag); level != "" {
		cfg.Level = level
	}
	log, closeFn, err := logging.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return log, func() { _ = closeFn() }, nil
}
