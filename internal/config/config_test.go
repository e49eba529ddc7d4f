package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/classify"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.AppName != "fenscan" {
		t.Errorf("Expected AppName 'fenscan', got %s", cfg.AppName)
	}

	if cfg.Version == "" {
		t.Error("Version not set")
	}

	if cfg.Vision.TargetSize != 1024 {
		t.Errorf("Expected TargetSize 1024, got %d", cfg.Vision.TargetSize)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config failed validation: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"target size", func(c *Config) { c.Vision.TargetSize = 0 }},
		{"border crop", func(c *Config) { c.Vision.BorderCropPercent = 0.5 }},
		{"pattern", func(c *Config) { c.Vision.PatternCols = 1 }},
		{"backend", func(c *Config) { c.Classifier.Backend = "oracle" }},
		{"model path", func(c *Config) { c.Classifier.Backend = "tflite"; c.Classifier.ModelPath = "" }},
		{"threshold", func(c *Config) { c.Classifier.Threshold = 1 }},
		{"workers", func(c *Config) { c.Pipeline.Workers = -1 }},
		{"confidence", func(c *Config) { c.Pipeline.ConfidenceThreshold = 2 }},
		{"occupied piece", func(c *Config) { c.Pipeline.OccupiedPiece = "." }},
		{"log level", func(c *Config) { c.Interface.LogLevel = "loud" }},
		{"storage path", func(c *Config) { c.Storage.Enabled = true; c.Storage.DBPath = "" }},
		{"server address", func(c *Config) { c.Server.Address = "" }},
		{"job ttl", func(c *Config) { c.Server.JobTTLMinutes = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "test_config.json")

	cfg := DefaultConfig()
	cfg.AppName = "TestApp"
	cfg.Vision.TargetSize = 512
	cfg.Vision.Sharpen = false
	cfg.Classifier.Backend = "stub"
	cfg.Pipeline.OccupiedPiece = "q"

	require.NoError(t, cfg.Save(configPath))

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}

	loaded, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "TestApp", loaded.AppName)
	assert.Equal(t, 512, loaded.Vision.TargetSize)
	assert.False(t, loaded.Vision.Sharpen)
	assert.Equal(t, "stub", loaded.Classifier.Backend)
	assert.Equal(t, board.BlackQueen, loaded.PipelineOptions(nil).OccupiedPiece)
}

func TestLoadYAMLPartial(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "vision:\n  cell_size: 64\nserver:\n  address: \":9090\"\n"
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Vision.CellSize)
	assert.Equal(t, ":9090", cfg.Server.Address)
	// untouched keys keep their defaults
	assert.Equal(t, 1024, cfg.Vision.TargetSize)
	assert.Equal(t, "info", cfg.Interface.LogLevel)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FENSCAN_SERVER_ADDRESS", ":7070")
	t.Setenv("FENSCAN_PIPELINE_WORKERS", "8")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"classifier": {"backend": "oracle"}}`), 0644))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "nonexistent.json"))
	if cfg == nil {
		t.Fatal("LoadOrDefault returned nil")
	}

	if cfg.AppName != "fenscan" {
		t.Error("LoadOrDefault did not return default config")
	}

	configPath := filepath.Join(t.TempDir(), "config.json")

	testCfg := DefaultConfig()
	testCfg.AppName = "CustomName"
	require.NoError(t, testCfg.Save(configPath))

	loaded := LoadOrDefault(configPath)
	if loaded.AppName != "CustomName" {
		t.Error("LoadOrDefault did not load existing config")
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Interface.LogPath = filepath.Join(tmpDir, "logs", "test.log")
	cfg.Storage.Enabled = true
	cfg.Storage.DBPath = filepath.Join(tmpDir, "data", "test.db")
	cfg.Vision.DiagnosticsDir = filepath.Join(tmpDir, "debug")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("Failed to ensure directories: %v", err)
	}

	dirs := []string{
		filepath.Join(tmpDir, "logs"),
		filepath.Join(tmpDir, "data"),
		filepath.Join(tmpDir, "debug"),
	}

	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("Directory was not created: %s", dir)
		}
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Vision.BorderCropPercent = 0
	cfg.Vision.DiagnosticsDir = "debug"
	cfg.Classifier.Backend = "cnn"
	cfg.Classifier.ModelPath = "model.gob"
	cfg.Vision.ScreenRegion = Region{X: 10, Y: 20, Width: 300, Height: 200}

	detect := cfg.DetectOptions()
	assert.Equal(t, 0.0, detect.BorderCropPercent)
	assert.Equal(t, "debug", detect.DiagnosticsDir)
	assert.Equal(t, 7, detect.PatternSize.X)
	assert.NotEmpty(t, detect.Palettes)

	backend := cfg.BackendOptions()
	assert.Equal(t, classify.BackendCNN, backend.Backend)
	assert.Equal(t, "model.gob", backend.ModelPath)

	opts := cfg.PipelineOptions(nil)
	assert.Equal(t, 4, opts.Workers)
	assert.Equal(t, board.WhitePawn, opts.OccupiedPiece)
	assert.Equal(t, cfg.Storage.Enabled, opts.KeepCells)
	cfg.Storage.Enabled = true
	assert.True(t, cfg.PipelineOptions(nil).KeepCells)

	r := cfg.ScreenRect()
	assert.Equal(t, 300, r.Dx())
	assert.Equal(t, 10, r.Min.X)
	assert.Equal(t, 60.0, cfg.Timeout().Seconds())
	assert.Equal(t, 30.0, cfg.JobTTL().Minutes())
}
