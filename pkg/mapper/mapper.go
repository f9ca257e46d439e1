// Package mapper implements the IncrementalMapper: the stage-by-stage state
// machine that grows a Reconstruction one image at a time, pausing between
// stages to consult the client through the rendezvous protocol (spec.md
// §4.4). This is the heart of the server — everything else exists to feed
// it images and relay its prompts.
package mapper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sfmsession/sessiond/pkg/config"
	"github.com/sfmsession/sessiond/pkg/engine"
	"github.com/sfmsession/sessiond/pkg/reconstruction"
)

// StagePrompter is the intra-task rendezvous half the mapper needs: publish
// a stage prompt and block for the client's verdict. rendezvous.State
// satisfies this directly.
type StagePrompter interface {
	PromptStage(prompt string) bool
}

// Exporter writes snapshots of a Reconstruction to disk. Implementations own
// the iteration-numbering scheme: Export and Snapshot never advance the
// counter, so bare and stage-tagged exports of one handler invocation share
// its iteration number.
type Exporter interface {
	// Export writes PLY + text artifacts for recon, tagged with suffix (a
	// ReconstructionStep name, or "" for a bare iteration export).
	Export(recon *reconstruction.Reconstruction, suffix string) error
	// Snapshot writes a timestamped snapshot directory, independent of the
	// iteration counter, triggered by SnapshotImagesFreq.
	Snapshot(recon *reconstruction.Reconstruction) error
}

// Options parameterizes a single Reconstruct call.
type Options struct {
	// TargetImageIDs is the caller-provided set of images to register,
	// supplied in caller order. FindInitialPair draws its candidates from
	// this set when recon starts empty.
	TargetImageIDs []int

	// FullPipeline, if true, performs every engine-recommended stage without
	// consulting the client.
	FullPipeline bool

	// LetColmapChooseOrder, if true, intersects the engine's preferred
	// order with TargetImageIDs, preserving engine order.
	LetColmapChooseOrder bool

	// InitialPairHint is the client-supplied seed pair, or nil to let the
	// engine search.
	InitialPairHint *engine.PairHint

	// PriorOverlap, if set, is a previously retained (undersized,
	// MultipleModels-only) sub-model whose shared-registered-image count
	// against recon triggers the MaxModelOverlap early exit.
	PriorOverlap *reconstruction.Reconstruction

	// PreviousAttemptSucceeded carries the termination status of the
	// immediately preceding Reconstruct call against the same recon. When
	// true and this call registers nothing, one extra prompted GLOBAL_BA
	// round runs before returning (spec.md §4.4 step 8).
	PreviousAttemptSucceeded bool
}

// Result reports how a Reconstruct call ended.
type Result struct {
	Status          config.TerminationStatus
	RegisteredCount int
}

// Mapper is the IncrementalMapper. One instance is created per
// PipelineController and reused across every "n"/"a" handler invocation.
type Mapper struct {
	eng      engine.SfmEngine
	cfg      *config.MapperConfig
	prompter StagePrompter
	exporter Exporter
}

// New returns a Mapper driving eng, configured by cfg, prompting through
// prompter and exporting through exporter.
func New(eng engine.SfmEngine, cfg *config.MapperConfig, prompter StagePrompter, exporter Exporter) *Mapper {
	return &Mapper{eng: eng, cfg: cfg, prompter: prompter, exporter: exporter}
}

// Reconstruct grows recon using opts.TargetImageIDs, running the initial-pair
// bootstrap if recon is still empty, then the registration loop (spec.md
// §4.4 steps 1-9). Relaxation (step 10) is handled within the bootstrap.
func (m *Mapper) Reconstruct(ctx context.Context, recon *reconstruction.Reconstruction, opts Options) (Result, error) {
	startCount := recon.NumRegImages()

	if recon.NumRegImages() == 0 {
		status, err := m.bootstrap(ctx, recon, opts)
		if err != nil {
			return Result{Status: status, RegisteredCount: 0}, err
		}
		if status != config.StatusSuccess {
			return Result{Status: status, RegisteredCount: 0}, nil
		}
		if err := m.exporter.Export(recon, string(config.StepImageRegistration)); err != nil {
			slog.Warn("export after initial pair failed", "error", err)
		}
	}

	return m.registrationLoop(ctx, recon, opts, startCount)
}

// bootstrap runs initial-pair selection with up to two relaxation rounds
// (spec.md §4.4 step 1 and step 10): round 1 halves InitMinNumInliers,
// round 2 additionally halves InitMinTriAngle from its original value.
func (m *Mapper) bootstrap(ctx context.Context, recon *reconstruction.Reconstruction, opts Options) (config.TerminationStatus, error) {
	original := m.cfg
	for round := 0; round <= 2; round++ {
		cfg := original
		if round > 0 {
			cfg = original.Relaxed(round, original)
		}

		result, err := m.eng.FindInitialPair(ctx, opts.TargetImageIDs, opts.InitialPairHint, cfg)
		if err != nil {
			return config.StatusBadInitialPair, err
		}
		if result.Status != config.StatusSuccess {
			slog.Info("no initial pair found, relaxing", "round", round)
			continue
		}

		if err := m.eng.RegisterInitialPair(ctx, recon, result.ImageA, result.ImageB); err != nil {
			slog.Warn("initial pair registration failed", "round", round, "error", err)
			continue
		}

		if err := m.eng.GlobalBundleAdjust(ctx, recon); err != nil {
			return config.StatusBadInitialPair, err
		}
		m.eng.Normalize(recon)
		m.eng.FilterPointsAndImages(recon)
		return config.StatusSuccess, nil
	}
	return config.StatusNoInitialPair, nil
}

// registrationLoop implements spec.md §4.4 steps 2-9: try candidates in
// order, run the per-image stage prompts on success, and apply the
// early-exit / final-pass rules.
func (m *Mapper) registrationLoop(ctx context.Context, recon *reconstruction.Reconstruction, opts Options, startCount int) (Result, error) {
	pending := pendingSet(recon, opts.TargetImageIDs)

	failures := 0
	registeredAny := false
	snapshotPrevNumReg := recon.NumRegImages()
	lastBANumReg := recon.NumRegImages()
	lastBANumPoints := recon.NumPoints3D()

	for len(pending) > 0 {
		if opts.PriorOverlap != nil && m.cfg.MaxModelOverlap > 0 &&
			recon.NumSharedRegImages(opts.PriorOverlap) >= m.cfg.MaxModelOverlap {
			slog.Info("max model overlap reached, stopping registration loop")
			break
		}

		candidates := m.candidateOrder(ctx, recon, pending, opts)
		if len(candidates) == 0 {
			break
		}

		registeredThisRound := false
		for _, id := range candidates {
			slog.Info("attempting image registration", "image_id", id,
				"num_visible_points3D", recon.NumPoints3D(), "num_observations", recon.NumObservations())

			if !m.eng.RegisterNextImage(ctx, recon, id) {
				failures++
				if failures >= config.MinNumInitialRegTrials() && recon.NumRegImages() < m.cfg.MinModelSize {
					slog.Warn("abandoning sub-model after repeated registration failures",
						"failures", failures, "registered", recon.NumRegImages())
					return Result{Status: config.StatusInterrupted, RegisteredCount: recon.NumRegImages() - startCount}, nil
				}
				continue
			}

			failures = 0
			registeredAny = true
			registeredThisRound = true
			pending = removeID(pending, id)

			if err := m.exporter.Export(recon, string(config.StepImageRegistration)); err != nil {
				slog.Warn("export after image registration failed", "image_id", id, "error", err)
			}

			m.runStages(ctx, recon, id, opts, &lastBANumReg, &lastBANumPoints)

			if m.cfg.ExtractColors {
				if err := m.eng.ExtractColor(ctx, recon, id); err != nil {
					slog.Warn("color extraction failed", "image_id", id, "error", err)
				}
			}

			if m.cfg.SnapshotImagesFreq > 0 && recon.NumRegImages()-snapshotPrevNumReg >= m.cfg.SnapshotImagesFreq {
				if err := m.exporter.Snapshot(recon); err != nil {
					slog.Warn("periodic snapshot failed", "error", err)
				}
				snapshotPrevNumReg = recon.NumRegImages()
			}

			break // re-derive candidate order since state changed
		}

		if !registeredThisRound {
			break
		}
	}

	if !registeredAny && opts.PreviousAttemptSucceeded {
		m.decideAndRun(ctx, recon, config.StepGlobalBundleAdjust, true, opts, func() {
			if err := m.eng.GlobalBundleAdjust(ctx, recon); err != nil {
				slog.Warn("extra global refinement failed", "error", err)
				return
			}
			lastBANumReg, lastBANumPoints = recon.NumRegImages(), recon.NumPoints3D()
			if err := m.exporter.Export(recon, string(config.StepGlobalBundleAdjust)); err != nil {
				slog.Warn("export after extra global refinement failed", "error", err)
			}
		})
	}

	if recon.NumRegImages() >= 2 && (recon.NumRegImages() != lastBANumReg || recon.NumPoints3D() != lastBANumPoints) {
		m.decideAndRun(ctx, recon, config.StepGlobalBundleAdjust, true, opts, func() {
			if err := m.eng.GlobalBundleAdjust(ctx, recon); err != nil {
				slog.Warn("final global refinement failed", "error", err)
				return
			}
			if err := m.exporter.Export(recon, string(config.StepGlobalBundleAdjust)); err != nil {
				slog.Warn("export after final global refinement failed", "error", err)
			}
		})
	}

	status := config.StatusSuccess
	if !registeredAny && len(pending) > 0 {
		status = config.StatusInterrupted
	}
	return Result{Status: status, RegisteredCount: recon.NumRegImages() - startCount}, nil
}

// candidateOrder resolves the next round's try-order: the engine's
// preference intersected with pending (preserving engine order) when
// LetColmapChooseOrder is set, otherwise pending as-is.
func (m *Mapper) candidateOrder(ctx context.Context, recon *reconstruction.Reconstruction, pending []int, opts Options) []int {
	if !opts.LetColmapChooseOrder {
		return append([]int(nil), pending...)
	}
	preferred := m.eng.PreferredOrder(ctx, recon, pending)
	pendingSet := make(map[int]bool, len(pending))
	for _, id := range pending {
		pendingSet[id] = true
	}
	ordered := make([]int, 0, len(preferred))
	for _, id := range preferred {
		if pendingSet[id] {
			ordered = append(ordered, id)
		}
	}
	return ordered
}

// runStages drives TRIANGULATION, LOCAL_BA, and GLOBAL_BA for a
// newly-registered image (spec.md §4.4 steps 4-5). Skipping LOCAL_BA still
// allows GLOBAL_BA to be considered independently.
func (m *Mapper) runStages(ctx context.Context, recon *reconstruction.Reconstruction, imageID int, opts Options, lastBANumReg, lastBANumPoints *int) {
	m.decideAndRun(ctx, recon, config.StepTriangulation, true, opts, func() {
		added := m.eng.Triangulate(ctx, recon, imageID)
		slog.Info("triangulation stage complete", "image_id", imageID, "new_points", added, "summary", recon.Summary())
		if err := m.exporter.Export(recon, string(config.StepTriangulation)); err != nil {
			slog.Warn("export after triangulation failed", "error", err)
		}
	})

	m.decideAndRun(ctx, recon, config.StepLocalBundleAdjust, true, opts, func() {
		if err := m.eng.LocalBundleAdjust(ctx, recon, imageID); err != nil {
			slog.Warn("local bundle adjustment failed", "image_id", imageID, "error", err)
			return
		}
		slog.Info("local bundle adjustment stage complete", "image_id", imageID, "summary", recon.Summary())
		if err := m.exporter.Export(recon, string(config.StepLocalBundleAdjust)); err != nil {
			slog.Warn("export after local bundle adjustment failed", "error", err)
		}
	})

	recommended := m.eng.CheckRunGlobalRefinement(recon, *lastBANumReg, *lastBANumPoints)
	m.decideAndRun(ctx, recon, config.StepGlobalBundleAdjust, recommended, opts, func() {
		if err := m.eng.GlobalBundleAdjust(ctx, recon); err != nil {
			slog.Warn("global bundle adjustment failed", "error", err)
			return
		}
		*lastBANumReg, *lastBANumPoints = recon.NumRegImages(), recon.NumPoints3D()
		slog.Info("global bundle adjustment stage complete", "summary", recon.Summary())
		if err := m.exporter.Export(recon, string(config.StepGlobalBundleAdjust)); err != nil {
			slog.Warn("export after global bundle adjustment failed", "error", err)
		}
	})
}

// decideAndRun asks the client (or, under full_pipeline, decides
// unconditionally from recommended) whether to perform step, and runs
// perform if so. The exact wording reproduces the reference
// implementation's print_instructions (spec.md SUPPLEMENTED FEATURES #2).
func (m *Mapper) decideAndRun(ctx context.Context, recon *reconstruction.Reconstruction, step config.ReconstructionStep, recommended bool, opts Options, perform func()) {
	if opts.FullPipeline {
		if recommended {
			perform()
		}
		return
	}

	verb := "recommends"
	if !recommended {
		verb = "does not recommend"
	}
	prompt := fmt.Sprintf("COLMAP %s performing %s. Skip it? (y/n)", verb, step)
	if m.prompter.PromptStage(prompt) {
		return
	}
	perform()
}

func pendingSet(recon *reconstruction.Reconstruction, targetIDs []int) []int {
	pending := make([]int, 0, len(targetIDs))
	for _, id := range targetIDs {
		if !recon.IsRegistered(id) {
			pending = append(pending, id)
		}
	}
	return pending
}

func removeID(ids []int, remove int) []int {
	out := ids[:0]
	for _, id := range ids {
		if id != remove {
			out = append(out, id)
		}
	}
	return out
}
