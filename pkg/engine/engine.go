// Package engine defines the boundary between this server and the opaque
// SfM engine: feature extraction, matching, geometric verification, bundle
// adjustment, registration, and triangulation. spec.md treats all of this as
// an external collaborator reached through a narrow handle; SfmEngine is
// that handle, grounded on the teacher's pkg/mcp client (an external,
// stateful, retry-worthy collaborator reached through a session, never a
// concrete struct the caller reimplements).
package engine

import (
	"context"

	"github.com/sfmsession/sessiond/pkg/config"
	"github.com/sfmsession/sessiond/pkg/reconstruction"
)

// PairHint is a client-provided initial pair suggestion. A zero value means
// "let the engine search."
type PairHint struct {
	ImageA, ImageB string
}

// InitialPairResult reports the outcome of FindInitialPair.
type InitialPairResult struct {
	ImageA, ImageB int
	NumInliers     int
	Status         config.TerminationStatus
}

// SfmEngine is everything this server delegates to the underlying
// reconstruction engine. Every method is opaque from the caller's
// perspective: the engine owns poses, point positions, colors, and feature
// geometry; Reconstruction only tracks identity and counts (§3 of spec.md).
//
// Implementations must be safe to call from a single goroutine at a time —
// the PipelineController is the only caller and never calls concurrently.
type SfmEngine interface {
	// ExtractFeatures runs feature extraction for imageNames. Idempotent per
	// image: the "n" handler re-runs this over every known image, relying on
	// the engine to skip images it has already processed (§9 Design Notes,
	// "Incremental database mutation").
	ExtractFeatures(ctx context.Context, imageNames []string) error

	// MatchPairs runs feature matching restricted to pairs and returns the
	// raw match count found for each, prior to geometric verification.
	MatchPairs(ctx context.Context, pairs []reconstruction.Pair) (map[reconstruction.Pair]int, error)

	// VerifyPairs runs geometric verification over pairs and reports which
	// ones passed.
	VerifyPairs(ctx context.Context, pairs []reconstruction.Pair) (map[reconstruction.Pair]bool, error)

	// InferCamera infers a camera model from an image's own metadata (EXIF or
	// equivalent), treated as a prior by the database import step.
	InferCamera(ctx context.Context, imageName string) (reconstruction.CameraParams, error)

	// ExtractKeypoints returns the detected keypoints for a single image, in
	// the engine's native pixel-center convention (the +0.5 offset is applied
	// by the database layer on import, not here).
	ExtractKeypoints(ctx context.Context, imageName string) ([]reconstruction.Keypoint, error)

	// FindInitialPair selects (or verifies, if hint is non-nil) a two-view
	// seed for bootstrapping recon from candidateIDs. cfg carries the
	// (possibly relaxed) inlier/angle thresholds for this attempt.
	FindInitialPair(ctx context.Context, candidateIDs []int, hint *PairHint, cfg *config.MapperConfig) (InitialPairResult, error)

	// RegisterInitialPair registers the two seed images and produces the
	// first handful of triangulated points.
	RegisterInitialPair(ctx context.Context, recon *reconstruction.Reconstruction, imageA, imageB int) error

	// PreferredOrder returns the engine's preferred registration order over
	// candidateIDs. The mapper intersects this with the caller-requested set
	// when let_colmap_choose_order is true (§4.4 step 2).
	PreferredOrder(ctx context.Context, recon *reconstruction.Reconstruction, candidateIDs []int) []int

	// RegisterNextImage attempts to register a single image against the
	// current reconstruction. false means the attempt failed; the caller
	// tries the next candidate.
	RegisterNextImage(ctx context.Context, recon *reconstruction.Reconstruction, imageID int) bool

	// Triangulate generates new 3D points visible from imageID and returns
	// how many were added.
	Triangulate(ctx context.Context, recon *reconstruction.Reconstruction, imageID int) int

	// LocalBundleAdjust refines the neighborhood around imageID.
	LocalBundleAdjust(ctx context.Context, recon *reconstruction.Reconstruction, imageID int) error

	// GlobalBundleAdjust refines the whole model.
	GlobalBundleAdjust(ctx context.Context, recon *reconstruction.Reconstruction) error

	// CheckRunGlobalRefinement reports whether the engine recommends a
	// global refinement pass given how much the model has grown since the
	// last one. The client's verdict (via the rendezvous) is still final.
	CheckRunGlobalRefinement(recon *reconstruction.Reconstruction, prevNumRegImages, prevNumPoints int) bool

	// Normalize rescales/recenters the reconstruction to the engine's
	// canonical coordinate frame. Called once after the initial pair.
	Normalize(recon *reconstruction.Reconstruction)

	// FilterPointsAndImages removes points/images that fail the engine's
	// quality thresholds (reprojection error, track length, etc).
	FilterPointsAndImages(recon *reconstruction.Reconstruction)

	// ExtractColor samples per-point color for imageID's newly triangulated
	// observations. Only called when MapperConfig.ExtractColors is set.
	ExtractColor(ctx context.Context, recon *reconstruction.Reconstruction, imageID int) error
}
