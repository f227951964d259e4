package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/dermascan/pkg/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 256, cfg.Image.Size)
	assert.Equal(t, 5, cfg.Training.Epochs)
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	assert.Equal(t, "data/train", cfg.Data.TrainDir)
	assert.Equal(t, "data/test", cfg.Data.TestDir)
	assert.Equal(t, "data/new_data", cfg.Data.NewDataDir)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dermascan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
  write_timeout: 5m
image:
  batch_size: 8
training:
  epochs: 2
`), 0644))

	t.Setenv("DERMASCAN_IMAGE_BATCH_SIZE", "16")
	t.Setenv("DERMASCAN_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Server.WriteTimeout)
	assert.Equal(t, 16, cfg.Image.BatchSize)
	assert.Equal(t, 2, cfg.Training.Epochs)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, "data/new_data", cfg.Data.NewDataDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero batch", func(c *config.Config) { c.Image.BatchSize = 0 }},
		{"zero epochs", func(c *config.Config) { c.Training.Epochs = 0 }},
		{"bad port", func(c *config.Config) { c.Server.Port = 70000 }},
		{"unknown backend", func(c *config.Config) { c.Model.Backend = "tensorflow" }},
		{"onnx without metadata", func(c *config.Config) { c.Model.Backend = config.BackendONNX }},
		{"mirror without bucket", func(c *config.Config) {
			c.Mirror.Enabled = true
			c.Mirror.Bucket = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
