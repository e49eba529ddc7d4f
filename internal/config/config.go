package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/classify"
	"github.com/thyrook/fenscan/internal/pipeline"
	"github.com/thyrook/fenscan/internal/vision"
)

// EnvPrefix prefixes environment overrides, e.g. FENSCAN_SERVER_ADDRESS
const EnvPrefix = "FENSCAN"

// Config represents the application configuration
type Config struct {
	AppName    string           `json:"app_name" mapstructure:"app_name"`
	Version    string           `json:"version" mapstructure:"version"`
	Vision     VisionConfig     `json:"vision" mapstructure:"vision"`
	Classifier ClassifierConfig `json:"classifier" mapstructure:"classifier"`
	Pipeline   PipelineConfig   `json:"pipeline" mapstructure:"pipeline"`
	Interface  InterfaceConfig  `json:"interface" mapstructure:"interface"`
	Storage    StorageConfig    `json:"storage" mapstructure:"storage"`
	Server     ServerConfig     `json:"server" mapstructure:"server"`
}

// VisionConfig contains board detection settings
type VisionConfig struct {
	TargetSize        int     `json:"target_size" mapstructure:"target_size"`
	PatternCols       int     `json:"pattern_cols" mapstructure:"pattern_cols"`
	PatternRows       int     `json:"pattern_rows" mapstructure:"pattern_rows"`
	BorderCropPercent float64 `json:"border_crop_percent" mapstructure:"border_crop_percent"`
	MinAreaFraction   float64 `json:"min_area_fraction" mapstructure:"min_area_fraction"`
	Sharpen           bool    `json:"sharpen" mapstructure:"sharpen"`
	CellSize          int     `json:"cell_size" mapstructure:"cell_size"`
	DiagnosticsDir    string  `json:"diagnostics_dir" mapstructure:"diagnostics_dir"`
	ScreenRegion      Region  `json:"screen_region" mapstructure:"screen_region"`
}

// Region defines a screen capture area; zero size means the primary display
type Region struct {
	X      int `json:"x" mapstructure:"x"`
	Y      int `json:"y" mapstructure:"y"`
	Width  int `json:"width" mapstructure:"width"`
	Height int `json:"height" mapstructure:"height"`
}

// ClassifierConfig selects the cell classifier
type ClassifierConfig struct {
	Backend   string  `json:"backend" mapstructure:"backend"`
	ModelPath string  `json:"model_path" mapstructure:"model_path"`
	InputSize int     `json:"input_size" mapstructure:"input_size"`
	Hidden    int     `json:"hidden" mapstructure:"hidden"`
	Threads   int     `json:"threads" mapstructure:"threads"`
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
}

// PipelineConfig contains run settings
type PipelineConfig struct {
	Workers             int     `json:"workers" mapstructure:"workers"`
	ConfidenceThreshold float64 `json:"confidence_threshold" mapstructure:"confidence_threshold"`
	OccupiedPiece       string  `json:"occupied_piece" mapstructure:"occupied_piece"`
	TimeoutSeconds      int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// InterfaceConfig contains terminal and logging settings
type InterfaceConfig struct {
	LogLevel   string `json:"log_level" mapstructure:"log_level"`
	LogPath    string `json:"log_path" mapstructure:"log_path"`
	ShowReport bool   `json:"show_report" mapstructure:"show_report"`
}

// StorageConfig contains scan persistence settings
type StorageConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	DBPath     string `json:"db_path" mapstructure:"db_path"`
	MaxSamples int    `json:"max_samples" mapstructure:"max_samples"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	Address       string `json:"address" mapstructure:"address"`
	JobTTLMinutes int    `json:"job_ttl_minutes" mapstructure:"job_ttl_minutes"`
	MaxUploadMB   int    `json:"max_upload_mb" mapstructure:"max_upload_mb"`
	Metrics       bool   `json:"metrics" mapstructure:"metrics"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	detect := vision.DefaultDetectOptions()

	return &Config{
		AppName: "fenscan",
		Version: "1.0.0",
		Vision: VisionConfig{
			TargetSize:        detect.TargetSize,
			PatternCols:       detect.PatternSize.X,
			PatternRows:       detect.PatternSize.Y,
			BorderCropPercent: detect.BorderCropPercent,
			MinAreaFraction:   detect.MinAreaFraction,
			Sharpen:           detect.Sharpen,
			CellSize:          detect.CellSize,
		},
		Classifier: ClassifierConfig{
			Backend:   string(classify.BackendHeuristic),
			InputSize: 0,
			Hidden:    64,
			Threads:   1,
			Threshold: 0.5,
		},
		Pipeline: PipelineConfig{
			Workers:             4,
			ConfidenceThreshold: 0.5,
			OccupiedPiece:       "P",
			TimeoutSeconds:      60,
		},
		Interface: InterfaceConfig{
			LogLevel:   "info",
			LogPath:    "logs/fenscan.log",
			ShowReport: false,
		},
		Storage: StorageConfig{
			Enabled:    false,
			DBPath:     "data/scans.db",
			MaxSamples: 100000,
		},
		Server: ServerConfig{
			Address:       ":8080",
			JobTTLMinutes: 30,
			MaxUploadMB:   20,
			Metrics:       true,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.DetectOptions().Validate(); err != nil {
		return fmt.Errorf("vision: %w", err)
	}

	if !validBackend(c.Classifier.Backend) {
		return fmt.Errorf("invalid classifier backend: %q", c.Classifier.Backend)
	}
	if (c.Classifier.Backend == string(classify.BackendTFLite) || c.Classifier.Backend == string(classify.BackendCNN)) &&
		c.Classifier.ModelPath == "" {
		return fmt.Errorf("classifier backend %s requires a model path", c.Classifier.Backend)
	}
	if c.Classifier.Threshold <= 0 || c.Classifier.Threshold >= 1 {
		return fmt.Errorf("invalid classifier threshold: %f (must be 0-1)", c.Classifier.Threshold)
	}
	if c.Classifier.Threads < 0 {
		return fmt.Errorf("invalid classifier threads: %d", c.Classifier.Threads)
	}

	if c.Pipeline.Workers < 0 || c.Pipeline.Workers > 64 {
		return fmt.Errorf("invalid workers: %d (must be 0-64)", c.Pipeline.Workers)
	}
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		return fmt.Errorf("invalid confidence threshold: %f (must be 0-1)", c.Pipeline.ConfidenceThreshold)
	}
	if p, err := board.ParsePiece(c.Pipeline.OccupiedPiece); err != nil || p == board.NoPiece {
		return fmt.Errorf("invalid occupied piece: %q", c.Pipeline.OccupiedPiece)
	}
	if c.Pipeline.TimeoutSeconds < 0 {
		return fmt.Errorf("invalid timeout: %d", c.Pipeline.TimeoutSeconds)
	}

	if _, err := zap.ParseAtomicLevel(c.Interface.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %q", c.Interface.LogLevel)
	}

	if c.Storage.Enabled && c.Storage.DBPath == "" {
		return errors.New("storage enabled without a db path")
	}
	if c.Storage.MaxSamples <= 0 {
		return fmt.Errorf("invalid max samples: %d", c.Storage.MaxSamples)
	}

	if c.Server.Address == "" {
		return errors.New("server address is required")
	}
	if c.Server.JobTTLMinutes <= 0 {
		return fmt.Errorf("invalid job ttl: %d", c.Server.JobTTLMinutes)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload: %d", c.Server.MaxUploadMB)
	}

	return nil
}

func validBackend(name string) bool {
	for _, b := range classify.Backends {
		if string(b) == name {
			return true
		}
	}
	return false
}

// DetectOptions converts the vision section
func (c *Config) DetectOptions() vision.DetectOptions {
	opts := vision.DefaultDetectOptions()
	opts.TargetSize = c.Vision.TargetSize
	opts.PatternSize = image.Pt(c.Vision.PatternCols, c.Vision.PatternRows)
	opts.BorderCropPercent = c.Vision.BorderCropPercent
	opts.MinAreaFraction = c.Vision.MinAreaFraction
	opts.Sharpen = c.Vision.Sharpen
	opts.CellSize = c.Vision.CellSize
	opts.DiagnosticsDir = c.Vision.DiagnosticsDir
	return opts
}

// BackendOptions converts the classifier section
func (c *Config) BackendOptions() classify.BackendOptions {
	return classify.BackendOptions{
		Backend:   classify.Backend(c.Classifier.Backend),
		ModelPath: c.Classifier.ModelPath,
		InputSize: c.Classifier.InputSize,
		Hidden:    c.Classifier.Hidden,
		Threads:   c.Classifier.Threads,
		Threshold: c.Classifier.Threshold,
	}
}

// PipelineOptions converts the vision and pipeline sections
func (c *Config) PipelineOptions(logger *zap.Logger) pipeline.Options {
	occupied, err := board.ParsePiece(c.Pipeline.OccupiedPiece)
	if err != nil || occupied == board.NoPiece {
		occupied = board.WhitePawn
	}
	return pipeline.Options{
		Detect:              c.DetectOptions(),
		Workers:             c.Pipeline.Workers,
		ConfidenceThreshold: c.Pipeline.ConfidenceThreshold,
		OccupiedPiece:       occupied,
		KeepCells:           c.Storage.Enabled,
		Logger:              logger,
	}
}

// ScreenRect returns the capture region; empty means the primary display
func (c *Config) ScreenRect() image.Rectangle {
	r := c.Vision.ScreenRegion
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Timeout is the per-run deadline; zero means none
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutSeconds) * time.Second
}

// JobTTL is how long finished API jobs are kept
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.Server.JobTTLMinutes) * time.Minute
}

// Load reads a JSON or YAML configuration file on top of the defaults and
// applies FENSCAN_* environment overrides. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newViper returns a viper instance seeded with every default key so that
// environment overrides apply to all of them
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	data, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, err
	}
	var defaults map[string]interface{}
	if err := json.Unmarshal(data, &defaults); err != nil {
		return nil, err
	}
	setDefaults(v, "", defaults)

	return v, nil
}

func setDefaults(v *viper.Viper, prefix string, values map[string]interface{}) {
	for k, val := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

// LoadOrDefault loads the configuration or returns defaults if the file is
// missing or invalid
func LoadOrDefault(path string) *Config {
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// Save writes the configuration to a file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}

// EnsureDirectories creates the directories the configured paths live in
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Interface.LogPath),
	}
	if c.Storage.Enabled {
		dirs = append(dirs, filepath.Dir(c.Storage.DBPath))
	}
	if c.Vision.DiagnosticsDir != "" {
		dirs = append(dirs, c.Vision.DiagnosticsDir)
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
