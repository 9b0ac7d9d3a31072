package clustering

import (
	"github.com/thebtf/clusterscope/internal/config"
)

// ConfigFrom maps the application configuration onto the service tunables.
// Zero values fall back to the defaults.
func ConfigFrom(cfg *config.Config) Config {
	out := DefaultConfig()
	if cfg == nil {
		return out
	}
	if cfg.MaxIterations > 0 {
		out.Options.MaxIterations = cfg.MaxIterations
	}
	if cfg.MaxRetries >= 0 {
		out.Options.MaxRetries = cfg.MaxRetries
	}
	if cfg.SeedSeparation > 0 && cfg.SeedSeparation <= 1 {
		out.Options.SeedSeparation = cfg.SeedSeparation
	}
	if cfg.MaxK > 0 {
		out.MaxK = cfg.MaxK
	}
	if cfg.SampleSize > 0 {
		out.SampleSize = cfg.SampleSize
	}
	return out
}

// RunnerConfigFrom maps the application configuration onto the runner settings.
func RunnerConfigFrom(cfg *config.Config) RunnerConfig {
	out := DefaultRunnerConfig()
	if cfg == nil {
		return out
	}
	if cfg.WorkerConcurrency > 0 {
		out.Concurrency = cfg.WorkerConcurrency
	}
	if cfg.PollInterval > 0 {
		out.PollInterval = cfg.PollInterval
	}
	if cfg.StaleWorkspaceAge > 0 {
		out.StaleWorkspaceAge = cfg.StaleWorkspaceAge
	}
	return out
}
