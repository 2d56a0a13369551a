package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// DefaultFrequencies is the stock transmit plan: eight tones spaced
// logarithmically from 1 kHz to 10 kHz.
var DefaultFrequencies = []float64{1000, 1389, 1931, 2683, 3728, 5179, 7197, 10000}

// Default values for fields omitted from the tuning file.
const (
	DefaultSampleRate       = 48000
	DefaultBlockSize        = 1024
	DefaultTargetUpdateRate = 10.0
	DefaultBalanceMode      = "off"
	DefaultCaptureCapacity  = 64
	DefaultDepthUnits       = "cm"
	DefaultRetentionDays    = 30
	DefaultMinRecordConf    = 0.2
)

// TuningConfig represents the root configuration for detector tuning.
// The schema matches the /api/config endpoint so the same JSON can be
// used for both startup configuration and runtime inspection. Scalar
// fields are pointers so a partial file only overrides what it names.
type TuningConfig struct {
	// Tone plan
	Frequencies []float64 `json:"frequencies,omitempty"` // Hz, ascending
	SampleRate  *int      `json:"sample_rate,omitempty"` // Hz
	BlockSize   *int      `json:"block_size,omitempty"`  // samples per block

	// Pipeline params
	TargetUpdateRate *float64 `json:"target_update_rate,omitempty"` // emitted frames/sec

	// Ground balance params
	BalanceMode     *string  `json:"balance_mode,omitempty"`
	BalanceOffset   *float64 `json:"balance_offset,omitempty"`
	CaptureCapacity *int     `json:"capture_capacity,omitempty"`

	// Display params
	DepthUnits *string `json:"depth_units,omitempty"` // "cm" or "in"

	// Persistence params
	RecordDetections    *bool    `json:"record_detections,omitempty"`
	RetentionDays       *int     `json:"retention_days,omitempty"`
	MinRecordConfidence *float64 `json:"min_record_confidence,omitempty"`
	RetentionSweep      *string  `json:"retention_sweep,omitempty"` // duration string like "1h"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	sampleRate := c.GetSampleRate()
	if c.SampleRate != nil && *c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", *c.SampleRate)
	}

	// Frequencies must be ascending and below Nyquist.
	if len(c.Frequencies) > 0 {
		if !sort.Float64sAreSorted(c.Frequencies) {
			return fmt.Errorf("frequencies must be in ascending order")
		}
		nyquist := float64(sampleRate) / 2
		for _, f := range c.Frequencies {
			if f <= 0 {
				return fmt.Errorf("frequencies must be positive, got %f", f)
			}
			if f >= nyquist {
				return fmt.Errorf("frequency %f exceeds the Nyquist limit %f for sample rate %d", f, nyquist, sampleRate)
			}
		}
	}

	if c.BlockSize != nil && *c.BlockSize < 1 {
		return fmt.Errorf("block_size must be at least 1, got %d", *c.BlockSize)
	}

	if c.TargetUpdateRate != nil {
		if *c.TargetUpdateRate <= 0 {
			return fmt.Errorf("target_update_rate must be positive, got %f", *c.TargetUpdateRate)
		}
	}

	if c.BalanceMode != nil {
		switch *c.BalanceMode {
		case "off", "manual", "auto_tracking", "manual_tracking":
		default:
			return fmt.Errorf("invalid balance_mode %q (want off, manual, auto_tracking or manual_tracking)", *c.BalanceMode)
		}
	}

	if c.BalanceOffset != nil {
		if *c.BalanceOffset < -50 || *c.BalanceOffset > 50 {
			return fmt.Errorf("balance_offset must be between -50 and 50, got %f", *c.BalanceOffset)
		}
	}

	if c.CaptureCapacity != nil && *c.CaptureCapacity < 1 {
		return fmt.Errorf("capture_capacity must be at least 1, got %d", *c.CaptureCapacity)
	}

	if c.DepthUnits != nil {
		switch *c.DepthUnits {
		case "cm", "in":
		default:
			return fmt.Errorf("invalid depth_units %q (want cm or in)", *c.DepthUnits)
		}
	}

	if c.RetentionDays != nil && *c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be non-negative, got %d", *c.RetentionDays)
	}

	if c.MinRecordConfidence != nil {
		if *c.MinRecordConfidence < 0 || *c.MinRecordConfidence > 1 {
			return fmt.Errorf("min_record_confidence must be between 0 and 1, got %f", *c.MinRecordConfidence)
		}
	}

	// Validate RetentionSweep can be parsed if set
	if c.RetentionSweep != nil && *c.RetentionSweep != "" {
		if _, err := time.ParseDuration(*c.RetentionSweep); err != nil {
			return fmt.Errorf("invalid retention_sweep '%s': %w", *c.RetentionSweep, err)
		}
	}

	return nil
}

// GetFrequencies returns the transmit plan or the default.
func (c *TuningConfig) GetFrequencies() []float64 {
	if len(c.Frequencies) == 0 {
		return append([]float64(nil), DefaultFrequencies...)
	}
	return append([]float64(nil), c.Frequencies...)
}

// GetSampleRate returns the sample_rate value or the default.
func (c *TuningConfig) GetSampleRate() int {
	if c.SampleRate == nil {
		return DefaultSampleRate
	}
	return *c.SampleRate
}

// GetBlockSize returns the block_size value or the default.
func (c *TuningConfig) GetBlockSize() int {
	if c.BlockSize == nil {
		return DefaultBlockSize
	}
	return *c.BlockSize
}

// GetTargetUpdateRate returns the target_update_rate value or the default.
func (c *TuningConfig) GetTargetUpdateRate() float64 {
	if c.TargetUpdateRate == nil {
		return DefaultTargetUpdateRate
	}
	return *c.TargetUpdateRate
}

// GetBalanceMode returns the balance_mode value or the default.
func (c *TuningConfig) GetBalanceMode() string {
	if c.BalanceMode == nil {
		return DefaultBalanceMode
	}
	return *c.BalanceMode
}

// GetBalanceOffset returns the balance_offset value or the default.
func (c *TuningConfig) GetBalanceOffset() float64 {
	if c.BalanceOffset == nil {
		return 0
	}
	return *c.BalanceOffset
}

// GetCaptureCapacity returns the capture_capacity value or the default.
func (c *TuningConfig) GetCaptureCapacity() int {
	if c.CaptureCapacity == nil {
		return DefaultCaptureCapacity
	}
	return *c.CaptureCapacity
}

// GetDepthUnits returns the depth_units value or the default.
func (c *TuningConfig) GetDepthUnits() string {
	if c.DepthUnits == nil {
		return DefaultDepthUnits
	}
	return *c.DepthUnits
}

// GetRecordDetections returns the record_detections value or the default.
func (c *TuningConfig) GetRecordDetections() bool {
	if c.RecordDetections == nil {
		return true
	}
	return *c.RecordDetections
}

// GetRetentionDays returns the retention_days value or the default.
func (c *TuningConfig) GetRetentionDays() int {
	if c.RetentionDays == nil {
		return DefaultRetentionDays
	}
	return *c.RetentionDays
}

// GetMinRecordConfidence returns the min_record_confidence value or the default.
func (c *TuningConfig) GetMinRecordConfidence() float64 {
	if c.MinRecordConfidence == nil {
		return DefaultMinRecordConf
	}
	return *c.MinRecordConfidence
}

// GetRetentionSweep parses and returns the RetentionSweep as a time.Duration.
func (c *TuningConfig) GetRetentionSweep() time.Duration {
	if c.RetentionSweep == nil || *c.RetentionSweep == "" {
		return time.Hour // default
	}
	d, err := time.ParseDuration(*c.RetentionSweep)
	if err != nil {
		return time.Hour // default on parse error
	}
	return d
}
