// Package cleanup prunes old PLY snapshot directories.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/sfmsession/sessiond/pkg/config"
)

// Service periodically prunes PLY snapshot directories beyond the configured
// retention count, so a long-running session's outputs/<scene>/PLY directory
// doesn't grow by one export per stage transition forever.
//
// All operations are idempotent: re-running a sweep against an
// already-pruned directory is a no-op.
type Service struct {
	scene   *config.SceneConfig
	cleanup *config.CleanupConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new snapshot cleanup service.
func NewService(scene *config.SceneConfig, cleanup *config.CleanupConfig) *Service {
	return &Service{scene: scene, cleanup: cleanup}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"max_snapshots", s.cleanup.MaxSnapshots,
		"interval", s.cleanup.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep()

	ticker := time.NewTicker(s.cleanup.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

var iterDirPattern = regexp.MustCompile(`^iter(\d+)(-.*)?$`)

// Sweep removes the oldest PLY snapshot directories until at most
// MaxSnapshots remain. "Oldest" is by iteration number, not filesystem
// mtime, since snapshots from the same iteration (e.g. a relaxation retry)
// can be written back to back within the same second.
func (s *Service) Sweep() {
	if s.cleanup.MaxSnapshots <= 0 {
		return
	}

	entries, err := os.ReadDir(s.scene.PlyRoot())
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("cleanup: read PLY root failed", "error", err)
		}
		return
	}

	type snapshot struct {
		name string
		iter int
	}
	var snapshots []snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := iterDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		iter, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snapshot{name: e.Name(), iter: iter})
	}

	if len(snapshots) <= s.cleanup.MaxSnapshots {
		return
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].iter < snapshots[j].iter })

	toRemove := snapshots[:len(snapshots)-s.cleanup.MaxSnapshots]
	for _, snap := range toRemove {
		path := filepath.Join(s.scene.PlyRoot(), snap.name)
		if err := os.RemoveAll(path); err != nil {
			slog.Error("cleanup: remove snapshot failed", "path", path, "error", err)
			continue
		}
		slog.Info("cleanup: removed old PLY snapshot", "path", path)
	}
}
