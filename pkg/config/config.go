// Package config provides configuration loading for the reconstruction
// pipeline. It is the single auditable home for every "attribute absent"
// decode default and for the calibration constants the assembler relies on.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DecodeDefaults are substituted when a header attribute is missing. They are
// defensive placeholders, not clinically meaningful values: a slice that
// needed one of the spatial defaults must not be spatially trusted.
type DecodeDefaults struct {
	// PixelSpacing is the fallback (row, col) spacing in mm.
	PixelSpacing [2]float64 `yaml:"pixelSpacing"`

	// SliceThickness is the fallback thickness in mm.
	SliceThickness float64 `yaml:"sliceThickness"`

	// Position is the fallback ImagePositionPatient (identity frame origin).
	Position [3]float64 `yaml:"position"`

	// Orientation is the fallback row/column direction cosines.
	Orientation [6]float64 `yaml:"orientation"`

	// RescaleSlope and RescaleIntercept default to the identity calibration.
	RescaleSlope     float64 `yaml:"rescaleSlope"`
	RescaleIntercept float64 `yaml:"rescaleIntercept"`
}

// TissueRange is a closed calibrated-value interval in HU.
type TissueRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Config represents the pipeline configuration loaded from YAML.
type Config struct {
	// Gather parameters for the directory scan.
	Gather struct {
		// MinFileBytes is the minimum size for a candidate file; DICOM
		// files commonly carry no extension, so size is the only cheap
		// filter during the walk.
		MinFileBytes int64 `yaml:"minFileBytes"`

		// IndexFileName is the directory-level index consulted before
		// falling back to a full tree walk.
		IndexFileName string `yaml:"indexFileName"`

		// ScanWorkers bounds the header-scan fan-out.
		ScanWorkers int `yaml:"scanWorkers"`
	} `yaml:"gather"`

	// Volume parameters for assembly, cleaning and normalization.
	Volume struct {
		// MinSlices is the minimum number of shape-matched slices
		// required to assemble a grid.
		MinSlices int `yaml:"minSlices"`

		// OutlierFloor triggers cleanup: a volume whose minimum falls
		// below it is treated as carrying padding artifacts.
		OutlierFloor float64 `yaml:"outlierFloor"`

		// OutlierClamp is the physically valid floor the volume is
		// clamped to when padding is detected.
		OutlierClamp float64 `yaml:"outlierClamp"`

		// NormalizeMin/NormalizeMax define the fixed physical range
		// mapped onto [0,1]. Fixed so a given tissue value maps to the
		// same normalized value in every volume.
		NormalizeMin float64 `yaml:"normalizeMin"`
		NormalizeMax float64 `yaml:"normalizeMax"`
	} `yaml:"volume"`

	// Defaults applied by the slice reader when attributes are absent.
	Defaults DecodeDefaults `yaml:"defaults"`

	// Tissues are the named calibrated-value ranges used by the volume
	// estimator and the threshold conversion.
	Tissues map[string]TissueRange `yaml:"tissues"`
}

// Default returns the configuration matching the clinical CT unit system.
func Default() *Config {
	cfg := &Config{}

	cfg.Gather.MinFileBytes = 1000
	cfg.Gather.IndexFileName = "DICOMDIR"
	cfg.Gather.ScanWorkers = 8

	cfg.Volume.MinSlices = 2
	cfg.Volume.OutlierFloor = -2000
	cfg.Volume.OutlierClamp = -1024
	cfg.Volume.NormalizeMin = -1024
	cfg.Volume.NormalizeMax = 3071

	cfg.Defaults = DecodeDefaults{
		PixelSpacing:     [2]float64{1, 1},
		SliceThickness:   1,
		Position:         [3]float64{0, 0, 0},
		Orientation:      [6]float64{1, 0, 0, 0, 1, 0},
		RescaleSlope:     1,
		RescaleIntercept: 0,
	}

	cfg.Tissues = map[string]TissueRange{
		"fat":   {Min: -120, Max: -90},
		"fluid": {Min: -10, Max: 20},
		"soft":  {Min: 20, Max: 70},
		"bone":  {Min: 400, Max: 1000},
	}

	return cfg
}

// Load reads a YAML config from path, layered over Default. A missing file is
// not an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
