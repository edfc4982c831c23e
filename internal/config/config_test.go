package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	// An explicit but absent file is a read error, not a silent default.
	require.Error(t, err)
	assert.Nil(t, cfg)

	cfg, err = Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2500*time.Millisecond, cfg.Pipeline.Deadline)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "hybrid", cfg.Context.Strategy)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, "[redacted]", cfg.Privacy.Placeholder)
	assert.Equal(t, 10, cfg.Privacy.MinDistinctiveLen)
	assert.Contains(t, cfg.Pricing, "gpt-4o")
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "askguard.yaml")
	content := `
server:
  port: 9090
pipeline:
  top_k: 12
  max_context_tokens: 900
privacy:
  placeholder: "<hidden>"
pricing:
  local-model:
    input_per_1k: 0.001
    output_per_1k: 0.002
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("ASKGUARD_PIPELINE_DEADLINE", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 12, cfg.Pipeline.TopK)
	assert.Equal(t, 900, cfg.Pipeline.MaxContextTokens)
	assert.Equal(t, 3*time.Second, cfg.Pipeline.Deadline)
	assert.Equal(t, "<hidden>", cfg.Privacy.Placeholder)
	assert.InDelta(t, 0.002, cfg.Pricing["local-model"].OutputPer1K, 1e-9)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "top_k too large", mutate: func(c *Config) { c.Pipeline.TopK = 51 }, errMsg: "top_k"},
		{name: "threshold out of range", mutate: func(c *Config) { c.Pipeline.ScoreThreshold = 1.5 }, errMsg: "score_threshold"},
		{name: "zero budget", mutate: func(c *Config) { c.Pipeline.MaxContextTokens = 0 }, errMsg: "max_context_tokens"},
		{name: "unknown strategy", mutate: func(c *Config) { c.Context.Strategy = "random" }, errMsg: "strategy"},
		{name: "zero breaker threshold", mutate: func(c *Config) { c.Breaker.FailureThreshold = 0 }, errMsg: "failure_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
