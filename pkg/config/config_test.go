package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() *Config {
	scene := &SceneConfig{Name: "garage", ImagesDir: "/data/images/garage", OutputsDir: "/data/outputs/garage"}
	return &Config{
		configDir: "/etc/sfmsessiond",
		Scene:     scene,
		Mapper:    DefaultMapperConfig(),
		Database:  &DatabaseConfig{Path: scene.DatabasePath(), MigrationsTable: "schema_migrations", BusyTimeout: 5},
		Server:    &ServerConfig{ListenAddr: ":8080", MaxUploadBytes: 1 << 20, EnableProgressStream: true},
		Cleanup:   &CleanupConfig{MaxSnapshots: 20, CleanupInterval: 10 * time.Minute},
	}
}

func TestConfigStats(t *testing.T) {
	cfg := testConfig()
	stats := cfg.Stats()

	assert.Equal(t, "garage", stats.SceneName)
	assert.Equal(t, cfg.Mapper.MinModelSize, stats.MinModelSize)
	assert.Equal(t, cfg.Mapper.SnapshotImagesFreq, stats.SnapshotImagesFreq)
	assert.True(t, stats.ProgressStreamOn)
}

func TestConfigDir(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "/etc/sfmsessiond", cfg.ConfigDir())
}

func TestScenePaths(t *testing.T) {
	scene := &SceneConfig{Name: "garage", ImagesDir: "/data/images/garage", OutputsDir: "/data/outputs/garage"}

	assert.Equal(t, "/data/outputs/garage/pairs-sfm.txt", scene.PairsPath())
	assert.Equal(t, "/data/outputs/garage/reconstruction/database.db", scene.DatabasePath())
	assert.Equal(t, "/data/outputs/garage/reconstruction/0", scene.ModelDir())
	assert.Equal(t, "/data/outputs/garage/PLY/iter0", scene.PlyDir(0, ""))
	assert.Equal(t, "/data/outputs/garage/PLY/iter1-TRIANGULATION", scene.PlyDir(1, "TRIANGULATION"))
}
