package config

// Config is the umbrella configuration object produced by Initialize() and
// threaded through the controller, mapper, database, and API layers.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Scene    *SceneConfig
	Mapper   *MapperConfig
	Database *DatabaseConfig
	Server   *ServerConfig
	Cleanup  *CleanupConfig
}

// Initialize is defined in loader.go.

// ConfigStats contains statistics about loaded configuration, logged once at
// startup so an operator can see what was actually applied.
type ConfigStats struct {
	SceneName          string
	MinModelSize       int
	SnapshotImagesFreq int
	MaxModelOverlap    int
	ProgressStreamOn   bool
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		SceneName:          c.Scene.Name,
		MinModelSize:       c.Mapper.MinModelSize,
		SnapshotImagesFreq: c.Mapper.SnapshotImagesFreq,
		MaxModelOverlap:    c.Mapper.MaxModelOverlap,
		ProgressStreamOn:   c.Server.EnableProgressStream,
	}
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}
