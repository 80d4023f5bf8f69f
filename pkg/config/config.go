package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/verigo/verigo/pkg/buildinfo"
	"github.com/verigo/verigo/pkg/checksum"
	"github.com/verigo/verigo/pkg/plog"
	"github.com/verigo/verigo/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "verigo.config.json"

// PathEntry is one configured input path.
type PathEntry struct {
	Path string `json:"path"`
	// Skip keeps the entry listed but excluded from the current run. Skipped
	// entries are left untouched in the backup unless delete_skipped is set.
	Skip bool `json:"skip"`
	// Priority orders entries for scanning; lower values win name collisions.
	Priority int `json:"priority"`
}

type PerformanceConfig struct {
	// BufferSizeKB is the size of the I/O buffer in kilobytes for hashing
	// and file copies. Default is 256 (256KB).
	BufferSizeKB int `json:"buffer_size_kb"`
	// ChecksumBatchSize caps how many files are handed to the checksum
	// workers between pause/cancel checks. Default is 64.
	ChecksumBatchSize int `json:"checksum_batch_size"`
}

type Config struct {
	Version string `json:"version"`
	// Note: omitempty is intentionally not used for user-configurable fields
	// so that they appear in the generated config file for better discoverability.
	InputPaths          []PathEntry        `json:"input_paths"`
	SaveTo              string             `json:"save_to"`
	DeleteData          bool               `json:"delete_data"`
	DeleteSkipped       bool               `json:"delete_skipped"`
	CreateEmptyDirs     bool               `json:"create_empty_dirs"`
	GenerateTree        bool               `json:"generate_tree"`
	FollowSymlinks      bool               `json:"follow_symlinks"`
	RecalculateChecksum bool               `json:"recalculate_checksum"`
	ChecksumAlg         checksum.Algorithm `json:"checksum_alg"`
	WorkloadProfile     checksum.Profile   `json:"workload_profile"`
	ExcludePatterns     []string           `json:"exclude_patterns"`
	LogLevel            string             `json:"log_level"`
	Performance         PerformanceConfig  `json:"performance"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:             buildinfo.Version,
		InputPaths:          []PathEntry{}, // Intentionally empty to force user configuration.
		SaveTo:              "",            // Intentionally empty to force user configuration.
		DeleteData:          false,         // Never delete unless the user opts in.
		DeleteSkipped:       false,
		CreateEmptyDirs:     true,
		GenerateTree:        false,
		FollowSymlinks:      false,
		RecalculateChecksum: false,
		ChecksumAlg:         checksum.SHA256,
		WorkloadProfile:     checksum.Normal,
		ExcludePatterns:     []string{},
		LogLevel:            "info",
		Performance: PerformanceConfig{
			BufferSizeKB:      256, // Default to 256KB buffer. Keep it between 64KB-4MB
			ChecksumBatchSize: 64,
		},
	}
}

// Load reads the configuration from the given path. If path is empty,
// "verigo.config.json" in the working directory is used. A missing file is
// an error; backups never run on implicit defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = ConfigFileName
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config file %s: %w", path, err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("error opening config file %s: %w", absPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", absPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the JSON file.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}

	// At this point our config has been migrated if needed so override the version in the struct
	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate creates or overwrites a config file at the given path. If path is
// empty, "verigo.config.json" in the working directory is used.
func Generate(configToGenerate Config, path string) error {
	if path == "" {
		path = ConfigFileName
	}
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	if err := os.WriteFile(path, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// Paths are expanded and cleaned in place.
func (c *Config) Validate() error {
	if len(c.InputPaths) == 0 {
		return fmt.Errorf("input_paths cannot be empty")
	}
	if c.SaveTo == "" {
		return fmt.Errorf("save_to cannot be empty")
	}

	var err error
	c.SaveTo, err = util.ExpandPath(c.SaveTo)
	if err != nil {
		return fmt.Errorf("could not expand save_to path: %w", err)
	}
	c.SaveTo = filepath.Clean(c.SaveTo)

	seen := make(map[string]struct{}, len(c.InputPaths))
	for i := range c.InputPaths {
		entry := &c.InputPaths[i]
		if entry.Path == "" {
			return fmt.Errorf("input_paths[%d].path cannot be empty", i)
		}
		entry.Path, err = util.ExpandPath(entry.Path)
		if err != nil {
			return fmt.Errorf("could not expand input path '%s': %w", entry.Path, err)
		}
		entry.Path = filepath.Clean(entry.Path)
		if entry.Path == c.SaveTo {
			return fmt.Errorf("input path '%s' cannot be the backup directory itself", entry.Path)
		}
		if _, dup := seen[entry.Path]; dup {
			return fmt.Errorf("input path '%s' is configured more than once", entry.Path)
		}
		seen[entry.Path] = struct{}{}
	}

	if c.Performance.BufferSizeKB < 4 {
		return fmt.Errorf("performance.buffer_size_kb must be at least 4, got %d", c.Performance.BufferSizeKB)
	}
	if c.Performance.ChecksumBatchSize < 1 {
		return fmt.Errorf("performance.checksum_batch_size must be at least 1, got %d", c.Performance.ChecksumBatchSize)
	}
	return nil
}

// BufferSize returns the configured I/O buffer size in bytes.
func (c *Config) BufferSize() int64 {
	return int64(c.Performance.BufferSizeKB) * 1024
}
