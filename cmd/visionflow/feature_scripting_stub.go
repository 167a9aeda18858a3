//go:build no_scripting

package main

import (
	"errors"
	"log/slog"

	"visionflow/internal/advisor"
)

func newScriptAdvisor(_ *Config, _ *slog.Logger) (advisor.Advisor, error) {
	return nil, errors.New("lua advisor not available: built with no_scripting")
}
