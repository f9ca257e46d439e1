package config

import (
	"strconv"
	"time"
)

// ServerConfig holds resolved HTTP-facing configuration for RequestFrontend.
type ServerConfig struct {
	ListenAddr           string        // e.g. ":8080"
	ReadTimeout          time.Duration // validated, but not applied by pkg/api
	MaxUploadBytes       int64         // validated, but not applied by pkg/api (its request body limit is a fixed 32 MiB)
	EnableProgressStream bool          // expose GET /ws/progress
}

// DatabaseConfig holds resolved configuration for the on-disk reconstruction
// database (cameras/images/keypoints/matches).
type DatabaseConfig struct {
	Path            string        // path to database.db within the output directory
	MigrationsTable string        // golang-migrate schema_migrations table name
	BusyTimeout     time.Duration // sqlite busy_timeout for the single writer
}

// SceneConfig holds the resolved filesystem layout for a scene: where its
// source images live and where its reconstruction outputs are written.
type SceneConfig struct {
	Name       string // scene identifier, used in logging and snapshot naming
	ImagesDir  string // images/<scene>/
	OutputsDir string // outputs/<scene>/
}

// PairsPath returns the working pairs file path.
func (s *SceneConfig) PairsPath() string {
	return s.OutputsDir + "/pairs-sfm.txt"
}

// DatabasePath returns the reconstruction database path.
func (s *SceneConfig) DatabasePath() string {
	return s.OutputsDir + "/reconstruction/database.db"
}

// ModelDir returns the engine-native model directory, whose disappearance
// signals the controller to re-run the bootstrap path.
func (s *SceneConfig) ModelDir() string {
	return s.OutputsDir + "/reconstruction/0"
}

// PlyDir returns the export root for a given iteration/description suffix,
// e.g. PlyDir(1, "TRIANGULATION") -> outputs/<scene>/PLY/iter1-TRIANGULATION.
func (s *SceneConfig) PlyDir(iteration int, suffix string) string {
	dir := s.OutputsDir + "/PLY/iter" + strconv.Itoa(iteration)
	if suffix != "" {
		dir += "-" + suffix
	}
	return dir
}

// PlyRoot returns the parent directory all PlyDir snapshots are written
// under, used by the periodic cleanup service to enumerate them.
func (s *SceneConfig) PlyRoot() string {
	return s.OutputsDir + "/PLY"
}

// CleanupConfig controls the periodic pruning of old PLY snapshot
// directories, so a long-running session doesn't accumulate one export per
// stage transition indefinitely.
type CleanupConfig struct {
	MaxSnapshots    int           // keep at most this many iter* directories; 0 disables pruning
	CleanupInterval time.Duration // how often the background loop sweeps PlyRoot
}
