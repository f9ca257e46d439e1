package engine

import (
	"context"
	"log/slog"
	"sort"

	"github.com/sfmsession/sessiond/pkg/config"
	"github.com/sfmsession/sessiond/pkg/reconstruction"
)

// Simulated is a deterministic stand-in for a real SfM backend, grounded on
// the teacher's queue.StubExecutor: it performs no real geometry but honors
// every contract SfmEngine promises, so the rest of the server can be built
// and tested end-to-end without a native reconstruction library wired in.
//
// Registration always succeeds unless the image id is present in FailOnce or
// FailAlways, letting tests exercise the mapper's retry/abandon policy.
// Triangulation, BA, and color extraction are no-ops beyond bookkeeping.
type Simulated struct {
	// FailAlways is the set of image ids RegisterNextImage always rejects.
	FailAlways map[int]bool
	// FailOnce is the set of image ids rejected exactly once, then accepted
	// on a later attempt — simulates a transient registration failure.
	FailOnce map[int]bool

	// PointsPerImage is how many points Triangulate adds per call. Zero
	// defaults to 4.
	PointsPerImage int

	extracted map[string]bool
	cameras   map[string]reconstruction.CameraParams
}

// NewSimulated returns a ready-to-use Simulated engine.
func NewSimulated() *Simulated {
	return &Simulated{
		FailAlways: make(map[int]bool),
		FailOnce:   make(map[int]bool),
		extracted:  make(map[string]bool),
		cameras:    make(map[string]reconstruction.CameraParams),
	}
}

// ExtractFeatures marks each image as processed. Idempotent: re-extracting
// an already-processed image is a no-op, matching the real engine's
// per-image caching contract.
func (s *Simulated) ExtractFeatures(_ context.Context, imageNames []string) error {
	for _, name := range imageNames {
		if s.extracted[name] {
			continue
		}
		s.extracted[name] = true
		slog.Debug("simulated feature extraction", "image", name)
	}
	return nil
}

// MatchPairs reports a fixed match count for every pair: the simulated
// engine has no real feature geometry to match against.
func (s *Simulated) MatchPairs(_ context.Context, pairs []reconstruction.Pair) (map[reconstruction.Pair]int, error) {
	counts := make(map[reconstruction.Pair]int, len(pairs))
	for _, p := range pairs {
		counts[p] = 64
	}
	return counts, nil
}

// VerifyPairs reports every pair as geometrically verified.
func (s *Simulated) VerifyPairs(_ context.Context, pairs []reconstruction.Pair) (map[reconstruction.Pair]bool, error) {
	verified := make(map[reconstruction.Pair]bool, len(pairs))
	for _, p := range pairs {
		verified[p] = true
	}
	return verified, nil
}

// InferCamera returns a fixed pinhole-ish model per image. Real engines
// infer this from EXIF; the simulated engine just needs something stable
// for the database layer to persist.
func (s *Simulated) InferCamera(_ context.Context, imageName string) (reconstruction.CameraParams, error) {
	if c, ok := s.cameras[imageName]; ok {
		return c, nil
	}
	c := reconstruction.CameraParams{
		Model:  "SIMPLE_RADIAL",
		Width:  1920,
		Height: 1080,
		Params: []float64{1500, 960, 540, 0},
	}
	s.cameras[imageName] = c
	return c, nil
}

// ExtractKeypoints returns a small deterministic keypoint grid so the
// database import path has something real to shift by the origin offset.
func (s *Simulated) ExtractKeypoints(_ context.Context, imageName string) ([]reconstruction.Keypoint, error) {
	const gridSize = 8
	keypoints := make([]reconstruction.Keypoint, 0, gridSize*gridSize)
	for i := 0; i < gridSize; i++ {
		for j := 0; j < gridSize; j++ {
			keypoints = append(keypoints, reconstruction.Keypoint{
				X: float64(i) * 100,
				Y: float64(j) * 100,
			})
		}
	}
	return keypoints, nil
}

// FindInitialPair picks the two lowest-numbered candidate ids; a client hint
// is ignored. cfg is accepted for interface parity; the
// simulated engine never actually fails on inlier/angle thresholds, so
// relaxation rounds against it are no-ops that still exercise the mapper's
// retry bookkeeping.
func (s *Simulated) FindInitialPair(_ context.Context, candidateIDs []int, hint *PairHint, _ *config.MapperConfig) (InitialPairResult, error) {
	if len(candidateIDs) < 2 {
		return InitialPairResult{Status: config.StatusNoInitialPair}, nil
	}
	sorted := append([]int(nil), candidateIDs...)
	sort.Ints(sorted)
	return InitialPairResult{
		ImageA:     sorted[0],
		ImageB:     sorted[1],
		NumInliers: 200,
		Status:     config.StatusSuccess,
	}, nil
}

// RegisterInitialPair registers both seed images and seeds a handful of
// points so downstream triangulation/BA stages have something to act on.
func (s *Simulated) RegisterInitialPair(_ context.Context, recon *reconstruction.Reconstruction, imageA, imageB int) error {
	recon.Register(imageA)
	recon.Register(imageB)
	for i := 0; i < 10; i++ {
		recon.AddPoint(2)
	}
	return nil
}

// PreferredOrder returns candidateIDs sorted ascending — a stand-in for
// whatever covisibility heuristic a real engine would use.
func (s *Simulated) PreferredOrder(_ context.Context, _ *reconstruction.Reconstruction, candidateIDs []int) []int {
	order := append([]int(nil), candidateIDs...)
	sort.Ints(order)
	return order
}

// RegisterNextImage consults FailAlways/FailOnce, then registers imageID.
func (s *Simulated) RegisterNextImage(_ context.Context, recon *reconstruction.Reconstruction, imageID int) bool {
	if s.FailAlways[imageID] {
		return false
	}
	if s.FailOnce[imageID] {
		delete(s.FailOnce, imageID)
		return false
	}
	recon.Register(imageID)
	return true
}

// Triangulate adds PointsPerImage (default 4) new points for imageID.
func (s *Simulated) Triangulate(_ context.Context, recon *reconstruction.Reconstruction, _ int) int {
	n := s.PointsPerImage
	if n <= 0 {
		n = 4
	}
	for i := 0; i < n; i++ {
		recon.AddPoint(2)
	}
	return n
}

// LocalBundleAdjust is a no-op: the simulated model has no pose error to
// refine.
func (s *Simulated) LocalBundleAdjust(_ context.Context, _ *reconstruction.Reconstruction, _ int) error {
	return nil
}

// GlobalBundleAdjust is a no-op for the same reason.
func (s *Simulated) GlobalBundleAdjust(_ context.Context, _ *reconstruction.Reconstruction) error {
	return nil
}

// CheckRunGlobalRefinement recommends a refinement once the model has grown
// by at least 5 registered images or 50 points since the last one — a
// simplified stand-in for the real engine's covariance-based heuristic.
func (s *Simulated) CheckRunGlobalRefinement(recon *reconstruction.Reconstruction, prevNumRegImages, prevNumPoints int) bool {
	return recon.NumRegImages()-prevNumRegImages >= 5 || recon.NumPoints3D()-prevNumPoints >= 50
}

// Normalize is a no-op: the simulated model has no coordinate frame to
// rescale.
func (s *Simulated) Normalize(_ *reconstruction.Reconstruction) {}

// FilterPointsAndImages is a no-op: nothing in the simulated model ever
// fails a quality threshold.
func (s *Simulated) FilterPointsAndImages(_ *reconstruction.Reconstruction) {}

// ExtractColor is a no-op: Reconstruction's Point3D color fields stay at
// their zero value under simulation.
func (s *Simulated) ExtractColor(_ context.Context, _ *reconstruction.Reconstruction, _ int) error {
	return nil
}
