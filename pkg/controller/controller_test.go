package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfmsession/sessiond/pkg/config"
	"github.com/sfmsession/sessiond/pkg/engine"
	"github.com/sfmsession/sessiond/pkg/reconstruction"
	"github.com/sfmsession/sessiond/pkg/rendezvous"
)

// newTestController wires a Controller against a temp-dir scene, a real
// sqlite-backed Database, and a Simulated engine, and starts Run in the
// background. It returns the rendezvous.State the test drives as the
// RequestFrontend would, plus a cleanup func that cancels Run's context and
// closes the database.
func newTestController(t *testing.T) (*rendezvous.State, *DirLister, *engine.Simulated, func()) {
	t.Helper()

	dir := t.TempDir()
	scene := &config.SceneConfig{
		Name:       "test-scene",
		ImagesDir:  filepath.Join(dir, "images"),
		OutputsDir: filepath.Join(dir, "outputs"),
	}
	require.NoError(t, os.MkdirAll(scene.ImagesDir, 0o755))

	db, err := reconstruction.NewClient(scene.DatabasePath(), 5*time.Second)
	require.NoError(t, err)

	lister := &DirLister{Dir: scene.ImagesDir}
	rdv := rendezvous.New()
	sim := engine.NewSimulated()
	c := New(rdv, scene, config.DefaultMapperConfig(), sim, db, lister)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	// Run observes ctx only between tasks, so a worker left blocked in the
	// rendezvous at the end of a test stays blocked; cleanup does not wait
	// for Run to return.
	cleanup := func() {
		cancel()
		db.Close()
	}
	return rdv, lister, sim, cleanup
}

func writeImage(t *testing.T, lister *DirLister, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(lister.Dir, name), []byte("fake-jpeg"), 0o644))
}

func TestControllerTooFewImagesShortCircuits(t *testing.T) {
	rdv, lister, _, cleanup := newTestController(t)
	defer cleanup()

	writeImage(t, lister, "image01.jpg")
	resp := rdv.SubmitRequest(rendezvous.TaskRequest{}, 1)
	assert.Contains(t, resp.UserMessage, "2 images", "short-circuit response asks the client for more images")
}

func TestControllerBootstrapThenNewImage(t *testing.T) {
	rdv, lister, _, cleanup := newTestController(t)
	defer cleanup()

	writeImage(t, lister, "image01.jpg")
	writeImage(t, lister, "image02.jpg")

	resp := rdv.SubmitRequest(rendezvous.TaskRequest{FullPipeline: true}, 2)
	assert.Contains(t, resp.UserMessage, "initial reconstruction is ready")
	assert.Empty(t, resp.Error)

	writeImage(t, lister, "image03.jpg")
	resp = rdv.SubmitRequest(rendezvous.TaskRequest{Task: "n", FullPipeline: true}, 3)
	assert.Contains(t, resp.UserMessage, "registered")
	assert.Empty(t, resp.Error)
}

func TestControllerDeregisterThenReregister(t *testing.T) {
	rdv, lister, _, cleanup := newTestController(t)
	defer cleanup()

	writeImage(t, lister, "image01.jpg")
	writeImage(t, lister, "image02.jpg")
	writeImage(t, lister, "image03.jpg")

	resp := rdv.SubmitRequest(rendezvous.TaskRequest{FullPipeline: true}, 3)
	require.Contains(t, resp.UserMessage, "initial reconstruction is ready")

	resp = rdv.SubmitRequest(rendezvous.TaskRequest{Task: "r image02.jpg"}, 3)
	assert.Contains(t, resp.UserMessage, "deregistered")
	assert.Empty(t, resp.Error)

	resp = rdv.SubmitRequest(rendezvous.TaskRequest{Task: "a image02.jpg", FullPipeline: true}, 3)
	assert.Contains(t, resp.UserMessage, "re-registered")
	assert.Empty(t, resp.Error)
}

func TestControllerInvalidCommand(t *testing.T) {
	rdv, lister, _, cleanup := newTestController(t)
	defer cleanup()

	writeImage(t, lister, "image01.jpg")
	writeImage(t, lister, "image02.jpg")
	require.Contains(t, rdv.SubmitRequest(rendezvous.TaskRequest{FullPipeline: true}, 2).UserMessage, "initial reconstruction is ready")

	resp := rdv.SubmitRequest(rendezvous.TaskRequest{Task: "unknown"}, 2)
	assert.Contains(t, resp.UserMessage, "invalid command")
}

func TestControllerExportCheck(t *testing.T) {
	rdv, lister, _, cleanup := newTestController(t)
	defer cleanup()

	writeImage(t, lister, "image01.jpg")
	writeImage(t, lister, "image02.jpg")
	require.Contains(t, rdv.SubmitRequest(rendezvous.TaskRequest{FullPipeline: true}, 2).UserMessage, "initial reconstruction is ready")

	resp := rdv.SubmitRequest(rendezvous.TaskRequest{Task: "e"}, 2)
	assert.Contains(t, resp.UserMessage, "exported check snapshot")
}

func TestControllerQuitTerminatesLoop(t *testing.T) {
	rdv, lister, _, cleanup := newTestController(t)
	defer cleanup()

	writeImage(t, lister, "image01.jpg")
	writeImage(t, lister, "image02.jpg")
	require.Contains(t, rdv.SubmitRequest(rendezvous.TaskRequest{FullPipeline: true}, 2).UserMessage, "initial reconstruction is ready")

	resp := rdv.SubmitRequest(rendezvous.TaskRequest{Task: "q"}, 2)
	assert.Contains(t, resp.UserMessage, "shutting down")
}

// TestControllerStageByStagePrompting drives the S3 end-to-end scenario: a
// non-full-pipeline "n" request pauses for a client verdict at each of
// TRIANGULATION, LOCAL_BA, and GLOBAL_BA, resuming only when a subsequent
// POST /process carries the next skip verdict.
func TestControllerStageByStagePrompting(t *testing.T) {
	rdv, lister, sim, cleanup := newTestController(t)
	defer cleanup()

	writeImage(t, lister, "image01.jpg")
	writeImage(t, lister, "image02.jpg")
	require.Contains(t, rdv.SubmitRequest(rendezvous.TaskRequest{FullPipeline: true}, 2).UserMessage, "initial reconstruction is ready")

	sim.PointsPerImage = 60 // force CheckRunGlobalRefinement to recommend GLOBAL_BA
	writeImage(t, lister, "image03.jpg")

	// Round 1: the "n" request itself returns as soon as the worker publishes
	// its first stage prompt (PromptStage completes the round, exactly like
	// Complete) — it does not block until the whole task finishes.
	r1 := rdv.SubmitRequest(rendezvous.TaskRequest{Task: "n", FullPipeline: false}, 3)
	assert.Contains(t, r1.UserMessage, "TRIANGULATION")

	// Round 2: answer the TRIANGULATION prompt (perform it); the response
	// carries the next stage's prompt, LOCAL_BA.
	r2 := rdv.SubmitRequest(rendezvous.TaskRequest{Skip: false}, 3)
	assert.Contains(t, r2.UserMessage, "LOCAL_BA")

	// Round 3: skip LOCAL_BA; the response carries the GLOBAL_BA prompt.
	r3 := rdv.SubmitRequest(rendezvous.TaskRequest{Skip: true}, 3)
	assert.Contains(t, r3.UserMessage, "GLOBAL_BA")

	// Round 4: perform GLOBAL_BA; the task completes.
	final := rdv.SubmitRequest(rendezvous.TaskRequest{Skip: false}, 3)
	assert.Contains(t, final.UserMessage, "registered 1 new image(s)")
	assert.Empty(t, final.Error)
}
