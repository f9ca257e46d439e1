package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// SceneYAMLConfig represents the complete scene.yaml file structure.
type SceneYAMLConfig struct {
	Scene    *SceneYAML    `yaml:"scene"`
	Mapper   *MapperConfig `yaml:"mapper"`
	Database *DatabaseYAML `yaml:"database"`
	Server   *ServerYAML   `yaml:"server"`
	Cleanup  *CleanupYAML  `yaml:"cleanup"`
}

// SceneYAML holds user-supplied scene layout overrides.
type SceneYAML struct {
	Name       string `yaml:"name"`
	ImagesDir  string `yaml:"images_dir"`
	OutputsDir string `yaml:"outputs_dir"`
}

// DatabaseYAML holds user-supplied database overrides.
type DatabaseYAML struct {
	Path        string `yaml:"path,omitempty"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
}

// ServerYAML holds user-supplied HTTP server overrides.
type ServerYAML struct {
	ListenAddr           string `yaml:"listen_addr,omitempty"`
	ReadTimeout          string `yaml:"read_timeout,omitempty"`
	MaxUploadBytes       int64  `yaml:"max_upload_bytes,omitempty"`
	EnableProgressStream *bool  `yaml:"enable_progress_stream,omitempty"`
}

// CleanupYAML holds user-supplied snapshot retention overrides.
type CleanupYAML struct {
	MaxSnapshots    int    `yaml:"max_snapshots,omitempty"`
	CleanupInterval string `yaml:"cleanup_interval,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load scene.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in defaults + user-defined overrides
//  5. Resolve scene filesystem layout
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"scene", stats.SceneName,
		"min_model_size", stats.MinModelSize,
		"snapshot_images_freq", stats.SnapshotImagesFreq,
		"progress_stream", stats.ProgressStreamOn)

	return cfg, nil
}

// load is the internal loader (not exported).
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	yamlCfg, err := loader.loadSceneYAML()
	if err != nil {
		return nil, NewLoadError("scene.yaml", err)
	}

	mapperCfg := DefaultMapperConfig()
	if yamlCfg.Mapper != nil {
		if err := mergo.Merge(mapperCfg, yamlCfg.Mapper, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge mapper config: %w", err)
		}
	}

	sceneCfg := resolveSceneConfig(yamlCfg.Scene, configDir)
	databaseCfg := resolveDatabaseConfig(yamlCfg.Database, sceneCfg)
	serverCfg := resolveServerConfig(yamlCfg.Server)
	cleanupCfg := resolveCleanupConfig(yamlCfg.Cleanup)

	return &Config{
		configDir: configDir,
		Scene:     sceneCfg,
		Mapper:    mapperCfg,
		Database:  databaseCfg,
		Server:    serverCfg,
		Cleanup:   cleanupCfg,
	}, nil
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand ${VAR}/$VAR environment references before parsing. Missing
	// variables expand to empty string; validation catches required fields
	// left empty by that.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadSceneYAML() (*SceneYAMLConfig, error) {
	var cfg SceneYAMLConfig
	if err := l.loadYAML("scene.yaml", &cfg); err != nil {
		// scene.yaml is optional: every section falls back to built-in defaults.
		if errors.Is(err, ErrConfigNotFound) {
			return &cfg, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// resolveSceneConfig resolves the scene filesystem layout from YAML, applying
// defaults rooted at configDir.
func resolveSceneConfig(sys *SceneYAML, configDir string) *SceneConfig {
	cfg := &SceneConfig{
		Name:       "default",
		ImagesDir:  filepath.Join(configDir, "images", "default"),
		OutputsDir: filepath.Join(configDir, "outputs", "default"),
	}

	if sys == nil {
		return cfg
	}
	if sys.Name != "" {
		cfg.Name = sys.Name
		if sys.ImagesDir == "" {
			cfg.ImagesDir = filepath.Join(configDir, "images", sys.Name)
		}
		if sys.OutputsDir == "" {
			cfg.OutputsDir = filepath.Join(configDir, "outputs", sys.Name)
		}
	}
	if sys.ImagesDir != "" {
		cfg.ImagesDir = sys.ImagesDir
	}
	if sys.OutputsDir != "" {
		cfg.OutputsDir = sys.OutputsDir
	}
	return cfg
}

// resolveDatabaseConfig resolves database configuration from YAML, applying
// defaults rooted at the scene's output directory.
func resolveDatabaseConfig(sys *DatabaseYAML, scene *SceneConfig) *DatabaseConfig {
	cfg := &DatabaseConfig{
		Path:            scene.DatabasePath(),
		MigrationsTable: "schema_migrations",
		BusyTimeout:     5 * time.Second,
	}

	if sys == nil {
		return cfg
	}
	if sys.Path != "" {
		cfg.Path = sys.Path
	}
	if sys.BusyTimeout != "" {
		if d, err := time.ParseDuration(sys.BusyTimeout); err == nil {
			cfg.BusyTimeout = d
		} else {
			slog.Warn("invalid database.busy_timeout, using default",
				"value", sys.BusyTimeout, "default", cfg.BusyTimeout, "error", err)
		}
	}
	return cfg
}

// resolveServerConfig resolves HTTP server configuration from YAML, applying defaults.
func resolveServerConfig(sys *ServerYAML) *ServerConfig {
	cfg := &ServerConfig{
		ListenAddr:           ":8080",
		ReadTimeout:          2 * time.Minute,
		MaxUploadBytes:       64 << 20, // 64MiB per image
		EnableProgressStream: true,
	}

	if sys == nil {
		return cfg
	}
	if sys.ListenAddr != "" {
		cfg.ListenAddr = sys.ListenAddr
	}
	if sys.ReadTimeout != "" {
		if d, err := time.ParseDuration(sys.ReadTimeout); err == nil {
			cfg.ReadTimeout = d
		} else {
			slog.Warn("invalid server.read_timeout, using default",
				"value", sys.ReadTimeout, "default", cfg.ReadTimeout, "error", err)
		}
	}
	if sys.MaxUploadBytes > 0 {
		cfg.MaxUploadBytes = sys.MaxUploadBytes
	}
	if sys.EnableProgressStream != nil {
		cfg.EnableProgressStream = *sys.EnableProgressStream
	}
	return cfg
}

// resolveCleanupConfig resolves snapshot-retention configuration from YAML,
// applying defaults.
func resolveCleanupConfig(sys *CleanupYAML) *CleanupConfig {
	cfg := &CleanupConfig{
		MaxSnapshots:    20,
		CleanupInterval: 10 * time.Minute,
	}

	if sys == nil {
		return cfg
	}
	if sys.MaxSnapshots > 0 {
		cfg.MaxSnapshots = sys.MaxSnapshots
	}
	if sys.CleanupInterval != "" {
		if d, err := time.ParseDuration(sys.CleanupInterval); err == nil {
			cfg.CleanupInterval = d
		} else {
			slog.Warn("invalid cleanup.cleanup_interval, using default",
				"value", sys.CleanupInterval, "default", cfg.CleanupInterval, "error", err)
		}
	}
	return cfg
}
