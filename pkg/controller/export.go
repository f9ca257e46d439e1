package controller

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sfmsession/sessiond/pkg/config"
	"github.com/sfmsession/sessiond/pkg/reconstruction"
)

// plyExporter implements mapper.Exporter and owns the PLY iteration counter.
// Every handler invocation that grows the model (bootstrap, "n", "a") calls
// beginIteration once; every export within that invocation — the bare final
// export and every mapper stage snapshot — shares the resulting iteration
// number, matching the reference implementation's export_ply counter rule
// (spec.md SUPPLEMENTED FEATURES #1). Scenario S3 relies on this: a single
// "n" call that performs TRIANGULATION, skips LOCAL_BA and performs
// GLOBAL_BA produces iter1, iter1-IMAGE_REGISTRATION, iter1-TRIANGULATION
// and iter1-GLOBAL_BA, never iter2/iter3/iter4.
type plyExporter struct {
	scene     *config.SceneConfig
	iteration atomic.Int64 // read by the API goroutine via currentIteration, written only by the worker
}

func newPlyExporter(scene *config.SceneConfig) *plyExporter {
	e := &plyExporter{scene: scene}
	e.iteration.Store(-1)
	return e
}

// beginIteration advances the counter and returns the new value. Call once
// per top-level handler invocation, before running the mapper.
func (e *plyExporter) beginIteration() int {
	return int(e.iteration.Add(1))
}

// currentIteration returns the counter's present value without advancing it,
// safe to call from a goroutine other than the worker's.
func (e *plyExporter) currentIteration() int {
	return int(e.iteration.Load())
}

// Export writes PLY + text artifacts tagged with suffix at the current
// iteration. suffix == "" is the bare final export for this iteration.
func (e *plyExporter) Export(recon *reconstruction.Reconstruction, suffix string) error {
	dir := e.scene.PlyDir(e.currentIteration(), suffix)
	if err := recon.ExportPLY(dir); err != nil {
		return fmt.Errorf("export ply %s: %w", dir, err)
	}
	if err := recon.WriteText(dir); err != nil {
		return fmt.Errorf("write text %s: %w", dir, err)
	}
	return nil
}

// ExportCheck writes to iterN-Check at the *current* iteration without
// advancing the counter — the "e" handler's export, which must not consume
// an iteration slot the next "n"/"a" call would otherwise use (spec.md §4.3).
func (e *plyExporter) ExportCheck(recon *reconstruction.Reconstruction) error {
	return e.Export(recon, "Check")
}

// Snapshot writes a timestamped directory under snapshots/, independent of
// the iteration counter, triggered by MapperConfig.SnapshotImagesFreq.
func (e *plyExporter) Snapshot(recon *reconstruction.Reconstruction) error {
	name := time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()
	dir := filepath.Join(e.scene.OutputsDir, "snapshots", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := recon.ExportPLY(dir); err != nil {
		return fmt.Errorf("snapshot ply %s: %w", dir, err)
	}
	return recon.WriteText(dir)
}
