//go:build !no_scripting

package main

import (
	"log/slog"

	"visionflow/internal/advisor"
)

func newScriptAdvisor(cfg *Config, logger *slog.Logger) (advisor.Advisor, error) {
	a, err := advisor.LoadScriptAdvisor(cfg.Advisor.Script, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("advisor: lua", "script", cfg.Advisor.Script)
	return a, nil
}
