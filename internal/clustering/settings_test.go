package clustering

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thebtf/clusterscope/internal/config"
)

func TestConfigFrom(t *testing.T) {
	assert.Equal(t, DefaultConfig(), ConfigFrom(nil))

	cfg := config.Default()
	cfg.MaxIterations = 40
	cfg.MaxRetries = 0
	cfg.SeedSeparation = 0.95
	cfg.MaxK = 20
	cfg.SampleSize = 0

	got := ConfigFrom(cfg)
	assert.Equal(t, 40, got.Options.MaxIterations)
	assert.Equal(t, 0, got.Options.MaxRetries)
	assert.Equal(t, 0.95, got.Options.SeedSeparation)
	assert.Equal(t, 20, got.MaxK)
	assert.Equal(t, DefaultConfig().SampleSize, got.SampleSize, "zero keeps the default")
}

func TestRunnerConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.WorkerConcurrency = 4
	cfg.PollInterval = 5 * time.Second

	got := RunnerConfigFrom(cfg)
	assert.Equal(t, 4, got.Concurrency)
	assert.Equal(t, 5*time.Second, got.PollInterval)
	assert.Equal(t, DefaultRunnerConfig().QueueSize, got.QueueSize)
}
