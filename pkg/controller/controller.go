// Package controller implements the PipelineController: the single
// long-lived worker goroutine that owns the Reconstruction, the
// reconstruction database, and the working pairs file, and drives them
// through the rendezvous protocol published by pkg/rendezvous.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/sfmsession/sessiond/pkg/config"
	"github.com/sfmsession/sessiond/pkg/engine"
	"github.com/sfmsession/sessiond/pkg/mapper"
	"github.com/sfmsession/sessiond/pkg/reconstruction"
	"github.com/sfmsession/sessiond/pkg/rendezvous"
)

// ImageLister reports the set of image names currently on disk for the
// scene, and their count — the boundary the controller polls instead of
// watching the filesystem directly. The RequestFrontend uses the same
// interface to populate SubmitRequest's numImages argument.
type ImageLister interface {
	ImageNames() ([]string, error)
}

// Controller is the PipelineController. One instance exists per process; Run
// blocks until the rendezvous state receives a "q" command or ctx is
// cancelled.
type Controller struct {
	rdv    *rendezvous.State
	scene  *config.SceneConfig
	mcfg   *config.MapperConfig
	eng    engine.SfmEngine
	db     *reconstruction.Database
	images ImageLister
	log    *slog.Logger

	recon    *reconstruction.Reconstruction
	mapr     *mapper.Mapper
	exporter *plyExporter

	processedImages map[string]bool
	deregImages     map[int64]bool
	nameToID        map[string]int64

	previousAttemptSucceeded bool
}

// New constructs a Controller. scene.ImagesDir must exist by the time Run is
// called — its absence is a fatal startup error per spec.md §7. The database
// path is not checked by the controller.
func New(rdv *rendezvous.State, scene *config.SceneConfig, mcfg *config.MapperConfig, eng engine.SfmEngine, db *reconstruction.Database, images ImageLister) *Controller {
	exporter := newPlyExporter(scene)
	c := &Controller{
		rdv:             rdv,
		scene:           scene,
		mcfg:            mcfg,
		eng:             eng,
		db:              db,
		images:          images,
		log:             slog.With("component", "controller", "scene", scene.Name),
		recon:           reconstruction.New(),
		exporter:        exporter,
		processedImages: make(map[string]bool),
		deregImages:     make(map[int64]bool),
		nameToID:        make(map[string]int64),
	}
	c.mapr = mapper.New(eng, mcfg, rdv, exporter)
	return c
}

// Run is the PipelineController lifecycle: bootstrap wait, initial
// reconstruction, then the main dispatch loop (spec.md §4.3). It returns nil
// when a "q" command terminates the loop. ctx is checked only between tasks:
// cancelling it does not wake Run while it waits for images or for the next
// request, and ctx's error is returned only after the next task has run.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.assertStartupPaths(); err != nil {
		c.log.Error("fatal startup check failed", "error", err)
		return err
	}

	numImages := c.rdv.AwaitBootstrap()
	c.log.Info("bootstrap threshold reached", "num_images", numImages)

	if err := c.bootstrapReconstruction(ctx); err != nil {
		c.log.Error("initial reconstruction failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req := c.rdv.AwaitTask()
		if !reconstruction.Exists(c.scene.ModelDir()) && req.Task != "q" {
			c.log.Warn("model directory missing between requests, re-running bootstrap")
			if err := c.bootstrapReconstruction(ctx); err != nil {
				c.log.Error("bootstrap recovery failed", "error", err)
			}
			continue
		}

		cmd := rendezvous.ParseCommand(req.Task)
		if c.dispatch(ctx, cmd, req) {
			return nil
		}
	}
}

// dispatch runs the handler for cmd and reports whether the worker loop
// should terminate ("q").
func (c *Controller) dispatch(ctx context.Context, cmd rendezvous.Command, req rendezvous.TaskRequest) bool {
	switch cmd.Verb {
	case 0:
		c.rdv.Complete("")
	case 'n':
		c.handleNewImages(ctx, req)
	case 'r':
		c.handleDeregister(cmd.Names)
	case 'a':
		c.handleReregister(ctx, cmd.Names, req)
	case 'e':
		c.handleExport()
	case 'd':
		c.rdv.Complete("dense reconstruction is not supported by this server")
	case 'q':
		c.rdv.Complete("worker shutting down")
		return true
	case 'h':
		c.rdv.Complete("commands: n, r <names>, a <names>, e, d, q, h")
	default:
		c.rdv.Complete(fmt.Sprintf("invalid command %q", cmd.Verb))
	}
	return false
}

// assertStartupPaths is the fatal check run before the worker proceeds: the
// scene's image directory must exist. It does not check the reconstruction
// database path; that directory is created by NewClient, which main calls
// before Run starts.
func (c *Controller) assertStartupPaths() error {
	if _, err := os.Stat(c.scene.ImagesDir); err != nil {
		return fmt.Errorf("image directory %s: %w", c.scene.ImagesDir, err)
	}
	return nil
}

// bootstrapReconstruction implements spec.md §4.3 step 2: exhaustive pairs,
// feature extraction, matching, verification, full incremental mapping, and
// the iter0 export.
func (c *Controller) bootstrapReconstruction(ctx context.Context) error {
	names, err := c.images.ImageNames()
	if err != nil {
		c.rdv.SetError(err)
		c.rdv.Complete("failed to list images")
		return err
	}

	if err := c.db.CreateEmpty(ctx); err != nil {
		c.rdv.SetError(err)
		c.rdv.Complete("failed to reset reconstruction database")
		return err
	}

	c.recon = reconstruction.New()
	c.processedImages = make(map[string]bool)
	c.deregImages = make(map[int64]bool)

	ids, err := c.importAndMatch(ctx, names, names, reconstruction.ExhaustivePairs(names))
	if err != nil {
		c.rdv.SetError(err)
		c.rdv.Complete("initial reconstruction failed")
		return err
	}
	c.nameToID = ids

	targetIDs := idValues(ids)
	c.exporter.beginIteration()

	result, err := c.mapr.Reconstruct(ctx, c.recon, mapper.Options{
		TargetImageIDs:       targetIDs,
		FullPipeline:         true,
		LetColmapChooseOrder: false,
	})
	if err != nil {
		c.rdv.SetError(err)
		c.rdv.Complete("initial reconstruction failed")
		return err
	}

	for _, n := range names {
		c.processedImages[n] = true
	}

	// The model directory's existence is what Run checks between requests.
	if result.Status == config.StatusSuccess {
		if err := c.recon.WriteText(c.scene.ModelDir()); err != nil {
			c.log.Warn("writing model directory failed", "error", err)
		}
	}

	if err := c.exporter.Export(c.recon, ""); err != nil {
		c.log.Warn("iter0 export failed", "error", err)
	}

	c.previousAttemptSucceeded = result.Status == config.StatusSuccess

	msg := "initial reconstruction is ready"
	if result.Status != config.StatusSuccess {
		msg = fmt.Sprintf("initial reconstruction did not complete: %s", result.Status)
	}
	c.rdv.Complete(msg)
	return nil
}

// importAndMatch runs feature extraction over extractNames (the engine is
// expected to be idempotent per image, so this is always the full on-disk
// set), inserts camera/image/keypoint rows for importNames only (spec.md
// §4.5's "incremental add" splices *only* new image names in), then matches
// and verifies pairs and records both against the full current name-to-id
// map. It returns that full map.
func (c *Controller) importAndMatch(ctx context.Context, extractNames, importNames []string, pairs []reconstruction.Pair) (map[string]int64, error) {
	if err := c.eng.ExtractFeatures(ctx, extractNames); err != nil {
		return nil, fmt.Errorf("extract features: %w", err)
	}

	imports := make([]reconstruction.ImageImport, 0, len(importNames))
	for _, name := range importNames {
		camera, err := c.eng.InferCamera(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("infer camera for %s: %w", name, err)
		}
		keypoints, err := c.eng.ExtractKeypoints(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("extract keypoints for %s: %w", name, err)
		}
		imports = append(imports, reconstruction.ImageImport{Name: name, Camera: camera, Keypoints: keypoints})
	}

	if _, err := c.db.ImportImages(ctx, imports); err != nil {
		return nil, fmt.Errorf("import images: %w", err)
	}

	ids, err := c.db.ImageIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload image ids: %w", err)
	}

	if len(pairs) == 0 {
		return ids, nil
	}

	if err := reconstruction.AppendPairs(c.scene.PairsPath(), pairs); err != nil {
		return nil, fmt.Errorf("append pairs: %w", err)
	}

	matchCounts, err := c.eng.MatchPairs(ctx, pairs)
	if err != nil {
		return nil, fmt.Errorf("match pairs: %w", err)
	}
	counts := make([]reconstruction.MatchCount, 0, len(matchCounts))
	for pair, n := range matchCounts {
		counts = append(counts, reconstruction.MatchCount{Pair: pair, Count: n})
	}
	if err := c.db.RecordMatches(ctx, ids, counts); err != nil {
		return nil, fmt.Errorf("record matches: %w", err)
	}

	verified, err := c.eng.VerifyPairs(ctx, pairs)
	if err != nil {
		return nil, fmt.Errorf("verify pairs: %w", err)
	}
	if err := c.db.RecordVerification(ctx, ids, verified); err != nil {
		return nil, fmt.Errorf("record verification: %w", err)
	}

	return ids, nil
}

// handleNewImages implements spec.md §4.3 "n": splice newly arrived images
// into the database and invoke the mapper restricted to their ids.
func (c *Controller) handleNewImages(ctx context.Context, req rendezvous.TaskRequest) {
	names, err := c.images.ImageNames()
	if err != nil {
		c.rdv.SetError(err)
		c.rdv.Complete("failed to list images")
		return
	}

	var newNames []string
	for _, n := range names {
		if !c.processedImages[n] {
			newNames = append(newNames, n)
		}
	}
	if len(newNames) == 0 {
		c.rdv.Complete("no new images found")
		return
	}

	reference := make([]string, 0, len(c.processedImages))
	for n := range c.processedImages {
		reference = append(reference, n)
	}
	sort.Strings(reference)
	sort.Strings(newNames)

	newPairs := reconstruction.PairsWithNewImages(newNames, reference)

	ids, err := c.importAndMatch(ctx, names, newNames, newPairs)
	if err != nil {
		c.rdv.SetError(err)
		c.rdv.Complete("failed to splice new images into database")
		return
	}
	c.nameToID = ids

	targetIDs := make([]int, 0, len(newNames))
	for _, n := range newNames {
		targetIDs = append(targetIDs, int(ids[n]))
	}

	c.exporter.beginIteration()
	result, err := c.mapr.Reconstruct(ctx, c.recon, mapper.Options{
		TargetImageIDs:           targetIDs,
		FullPipeline:             req.FullPipeline,
		LetColmapChooseOrder:     req.LetColmapChooseOrder,
		PreviousAttemptSucceeded: c.previousAttemptSucceeded,
	})
	if err != nil {
		c.rdv.SetError(err)
		c.rdv.Complete("registration failed")
		return
	}

	for _, n := range newNames {
		c.processedImages[n] = true
	}
	c.previousAttemptSucceeded = result.Status == config.StatusSuccess

	if err := c.exporter.Export(c.recon, ""); err != nil {
		c.log.Warn("export after new-image registration failed", "error", err)
	}

	c.rdv.Complete(fmt.Sprintf("registered %d new image(s): %s", result.RegisteredCount, c.recon.Summary()))
}

// handleDeregister implements spec.md §4.3 "r".
func (c *Controller) handleDeregister(names []string) {
	var warnings []string
	var deregistered []string

	for _, name := range names {
		id, ok := c.nameToID[name]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unknown image %q", name))
			continue
		}
		if c.deregImages[id] {
			warnings = append(warnings, fmt.Sprintf("%q is already deregistered", name))
			continue
		}
		c.recon.Deregister(int(id))
		c.deregImages[id] = true
		deregistered = append(deregistered, name)
	}

	if err := c.exporter.Export(c.recon, ""); err != nil {
		c.log.Warn("export after deregistration failed", "error", err)
	}

	msg := fmt.Sprintf("deregistered: %s", strings.Join(deregistered, ", "))
	if len(warnings) > 0 {
		msg += "; " + strings.Join(warnings, "; ")
	}
	c.rdv.Complete(msg)
}

// handleReregister implements spec.md §4.3 "a": re-register previously
// deregistered images and reconcile deregImages against whatever the engine
// actually ended up registering (it may have restarted the sub-model from
// scratch).
func (c *Controller) handleReregister(ctx context.Context, names []string, req rendezvous.TaskRequest) {
	var warnings []string
	var targetIDs []int

	for _, name := range names {
		id, ok := c.nameToID[name]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unknown image %q", name))
			continue
		}
		if !c.deregImages[id] {
			warnings = append(warnings, fmt.Sprintf("%q is not currently deregistered", name))
			continue
		}
		delete(c.deregImages, id)
		targetIDs = append(targetIDs, int(id))
	}

	if len(targetIDs) == 0 {
		c.rdv.Complete(strings.Join(warnings, "; "))
		return
	}

	c.exporter.beginIteration()
	result, err := c.mapr.Reconstruct(ctx, c.recon, mapper.Options{
		TargetImageIDs:           targetIDs,
		FullPipeline:             req.FullPipeline,
		LetColmapChooseOrder:     req.LetColmapChooseOrder,
		PreviousAttemptSucceeded: c.previousAttemptSucceeded,
	})
	if err != nil {
		c.rdv.SetError(err)
		c.rdv.Complete("re-registration failed")
		return
	}
	c.previousAttemptSucceeded = result.Status == config.StatusSuccess

	// Reconcile: any id the engine did not end up registering goes back into
	// de_reg_images, since the engine may have restarted the sub-model and
	// left some candidates unregistered rather than failing outright.
	for _, id := range targetIDs {
		if !c.recon.IsRegistered(id) {
			c.deregImages[int64(id)] = true
		}
	}

	if err := c.exporter.Export(c.recon, ""); err != nil {
		c.log.Warn("export after re-registration failed", "error", err)
	}

	msg := fmt.Sprintf("re-registered %d image(s): %s", result.RegisteredCount, c.recon.Summary())
	if len(warnings) > 0 {
		msg += "; " + strings.Join(warnings, "; ")
	}
	c.rdv.Complete(msg)
}

// handleExport implements spec.md §4.3 "e": write to iterN-Check without
// advancing the main iteration counter.
func (c *Controller) handleExport() {
	if err := c.exporter.ExportCheck(c.recon); err != nil {
		c.rdv.SetError(err)
		c.rdv.Complete("export failed")
		return
	}
	c.rdv.Complete(fmt.Sprintf("exported check snapshot: %s", c.recon.Summary()))
}

// LatestExportDir returns the PLY export directory for the most recently
// completed top-level handler invocation, the set of files the RequestFrontend
// attaches to its multipart/mixed response. Safe to call concurrently with
// Run: the worker goroutine only ever advances the counter, never rewinds it.
func (c *Controller) LatestExportDir() string {
	return c.scene.PlyDir(c.exporter.currentIteration(), "")
}

func idValues(ids map[string]int64) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		out = append(out, int(id))
	}
	sort.Ints(out)
	return out
}
