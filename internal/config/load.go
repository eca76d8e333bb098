package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Options controls Load.
type Options struct {
	// RootDir overrides the HUNTSMAN_DRP environment variable.
	RootDir string

	// Testing merges config/testing.yaml over the base configuration.
	Testing bool

	// SkipDotenv disables the best-effort .env load.
	SkipDotenv bool
}

// Load assembles the configuration. Missing required inputs abort
// immediately with an error naming what is missing.
func Load(opts Options) (*Config, error) {
	if !opts.SkipDotenv {
		// Best effort; absence of a .env file is the normal case.
		_ = godotenv.Load()
	}

	root := opts.RootDir
	if root == "" {
		root = os.Getenv(EnvRootDir)
	}
	if root == "" {
		return nil, fmt.Errorf("config root not set: export %s or pass Options.RootDir", EnvRootDir)
	}

	configDir := filepath.Join(root, "config")
	merged := map[string]any{}

	if err := mergeYAMLFile(merged, filepath.Join(configDir, "config.yaml"), true); err != nil {
		return nil, err
	}
	if err := mergeYAMLFile(merged, filepath.Join(configDir, "config_local.yaml"), false); err != nil {
		return nil, err
	}
	if opts.Testing {
		if err := mergeYAMLFile(merged, filepath.Join(configDir, "testing.yaml"), true); err != nil {
			return nil, err
		}
	}

	// The camera table ships with the instrument package when one is
	// installed alongside the pipeline.
	if obsDir := ObsConfigDir(); obsDir != "" {
		if err := mergeYAMLFile(merged, filepath.Join(obsDir, "camera.yaml"), false); err != nil {
			return nil, err
		}
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("re-encode merged config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Directories.applyDefaults(root)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeYAMLFile parses path and deep-merges its mappings over dst.
// A missing optional file is skipped silently.
func mergeYAMLFile(dst map[string]any, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var src map[string]any
	if err := yaml.Unmarshal(data, &src); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	deepMerge(dst, src)
	return nil
}

// deepMerge overlays src onto dst, descending into nested mappings so a
// local override of one key leaves its siblings intact.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
}

// applyDefaults fills unset directories from the environment and the
// conventional layout, then expands ${VAR} references.
func (d *Directories) applyDefaults(root string) {
	if d.Root == "" {
		d.Root = root
	}
	if d.Data == "" {
		d.Data = envOr(EnvDataDir, filepath.Join(root, "data"))
	}
	if d.Log == "" {
		d.Log = envOr(EnvLogDir, filepath.Join(root, "logs"))
	}
	if d.Mount == "" {
		d.Mount = os.Getenv(EnvMountDir)
	}
	if d.Archive == "" {
		d.Archive = filepath.Join(d.Data, "archive")
	}
	if d.Work == "" {
		d.Work = filepath.Join(d.Data, "work")
	}
	if d.Plots == "" {
		d.Plots = filepath.Join(d.Data, "plots")
	}
	if d.Indexes == "" {
		d.Indexes = filepath.Join(d.Data, "astrometry", "indexes")
	}

	d.Root = os.ExpandEnv(d.Root)
	d.Data = os.ExpandEnv(d.Data)
	d.Archive = os.ExpandEnv(d.Archive)
	d.Work = os.ExpandEnv(d.Work)
	d.Plots = os.ExpandEnv(d.Plots)
	d.Indexes = os.ExpandEnv(d.Indexes)
	d.Log = os.ExpandEnv(d.Log)
	d.Mount = os.ExpandEnv(d.Mount)
}
