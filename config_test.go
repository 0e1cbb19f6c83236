package adagan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero run batch size", func(c *Config) { c.RunBatchSize = 0 }},
		{"negative batch size", func(c *Config) { c.BatchSize = -1 }},
		{"zero latent dimension", func(c *Config) { c.LatentSpaceDim = 0 }},
		{"negative epochs", func(c *Config) { c.GanEpochNum = -1 }},
		{"negative steps", func(c *Config) { c.DSteps = -1 }},
		{"zero plot cadence", func(c *Config) { c.PlotEvery = 0 }},
		{"zero learning rate", func(c *Config) { c.OptLearningRate = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
