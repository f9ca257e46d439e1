package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sfmsession/sessiond/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScene(t *testing.T) *config.SceneConfig {
	return &config.SceneConfig{Name: "garage", OutputsDir: t.TempDir()}
}

func mkIterDir(t *testing.T, scene *config.SceneConfig, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(scene.PlyRoot(), name), 0o755))
}

func TestSweepKeepsNewestSnapshotsOnly(t *testing.T) {
	scene := testScene(t)
	for _, name := range []string{"iter0", "iter1-TRIANGULATION", "iter2", "iter3-Check"} {
		mkIterDir(t, scene, name)
	}

	svc := NewService(scene, &config.CleanupConfig{MaxSnapshots: 2, CleanupInterval: time.Minute})
	svc.Sweep()

	entries, err := os.ReadDir(scene.PlyRoot())
	require.NoError(t, err)
	var remaining []string
	for _, e := range entries {
		remaining = append(remaining, e.Name())
	}
	assert.ElementsMatch(t, []string{"iter2", "iter3-Check"}, remaining)
}

func TestSweepNoOpWhenUnderLimit(t *testing.T) {
	scene := testScene(t)
	mkIterDir(t, scene, "iter0")

	svc := NewService(scene, &config.CleanupConfig{MaxSnapshots: 20, CleanupInterval: time.Minute})
	svc.Sweep()

	entries, err := os.ReadDir(scene.PlyRoot())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSweepDisabledWhenMaxSnapshotsIsZero(t *testing.T) {
	scene := testScene(t)
	for i := 0; i < 5; i++ {
		mkIterDir(t, scene, "iter"+string(rune('0'+i)))
	}

	svc := NewService(scene, &config.CleanupConfig{MaxSnapshots: 0, CleanupInterval: time.Minute})
	svc.Sweep()

	entries, err := os.ReadDir(scene.PlyRoot())
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestSweepToleratesMissingPlyRoot(t *testing.T) {
	scene := testScene(t)
	svc := NewService(scene, &config.CleanupConfig{MaxSnapshots: 5, CleanupInterval: time.Minute})
	assert.NotPanics(t, func() { svc.Sweep() })
}

func TestSweepIgnoresNonIterDirectories(t *testing.T) {
	scene := testScene(t)
	mkIterDir(t, scene, "iter0")
	mkIterDir(t, scene, "not-a-snapshot")

	svc := NewService(scene, &config.CleanupConfig{MaxSnapshots: 0, CleanupInterval: time.Minute})
	svc.Sweep() // disabled, but exercises the pattern match path via a direct call below

	// Directly validate the pattern used by Sweep.
	assert.True(t, iterDirPattern.MatchString("iter0"))
	assert.True(t, iterDirPattern.MatchString("iter1-TRIANGULATION"))
	assert.False(t, iterDirPattern.MatchString("not-a-snapshot"))
}
