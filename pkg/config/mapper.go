package config

// kMinNumInitialRegTrials is the number of consecutive registration failures
// the mapper tolerates before abandoning the current sub-model, matching the
// constant used by the reconstruction engine this server drives.
const kMinNumInitialRegTrials = 30

// MapperConfig holds the thresholds and relaxation policy the IncrementalMapper
// uses while growing a reconstruction. These mirror the engine-side options the
// original mapping loop exposes.
type MapperConfig struct {
	// MinModelSize is the minimum number of registered images a sub-model must
	// reach before kMinNumInitialRegTrials consecutive failures abandon it.
	MinModelSize int `yaml:"min_model_size" validate:"omitempty,min=2"`

	// InitMinNumInliers is the minimum inlier count accepted for an initial
	// image pair. Halved on the first relaxation round when no pair is found.
	InitMinNumInliers int `yaml:"init_min_num_inliers" validate:"omitempty,min=1"`

	// InitMinTriAngle is the minimum triangulation angle (degrees) accepted
	// for an initial pair. Halved (from its original value) on the second
	// relaxation round.
	InitMinTriAngle float64 `yaml:"init_min_tri_angle" validate:"omitempty,min=0"`

	// InitNumTrials bounds how many candidate initial pairs are attempted
	// before giving up on bootstrapping a sub-model.
	InitNumTrials int `yaml:"init_num_trials" validate:"omitempty,min=1"`

	// SnapshotImagesFreq triggers a timestamped snapshot directory once this
	// many additional images have registered since the last snapshot. Zero
	// disables frequency-based snapshotting (stage-tagged snapshots still fire).
	SnapshotImagesFreq int `yaml:"snapshot_images_freq" validate:"omitempty,min=0"`

	// MaxModelOverlap stops a sub-model's registration loop once it shares
	// this many registered images with another existing sub-model.
	MaxModelOverlap int `yaml:"max_model_overlap" validate:"omitempty,min=0"`

	// MultipleModels allows the reconstruction manager to retain undersized
	// sub-models instead of discarding them outright.
	MultipleModels bool `yaml:"multiple_models"`

	// ExtractColors requests per-point color extraction for newly registered
	// images.
	ExtractColors bool `yaml:"extract_colors"`

	// FullPipelineDefault is the default value of SessionState.full_pipeline
	// when a request's metadata omits the field.
	FullPipelineDefault bool `yaml:"full_pipeline_default"`
}

// MinNumInitialRegTrials returns the fixed registration-trial budget.
func MinNumInitialRegTrials() int {
	return kMinNumInitialRegTrials
}

// DefaultMapperConfig returns the built-in mapper defaults.
func DefaultMapperConfig() *MapperConfig {
	return &MapperConfig{
		MinModelSize:       10,
		InitMinNumInliers:  100,
		InitMinTriAngle:    4.0,
		InitNumTrials:      200,
		SnapshotImagesFreq: 1,
		MaxModelOverlap:    20,
		MultipleModels:     false,
		ExtractColors:      true,
	}
}

// Relaxed returns a copy of the config with the given relaxation round
// applied: round 1 halves InitMinNumInliers, round 2 halves InitMinTriAngle
// starting from the original (unhalved) value. Rounds beyond 2 are a no-op,
// signalling the caller should give up.
func (m *MapperConfig) Relaxed(round int, original *MapperConfig) *MapperConfig {
	relaxed := *m
	switch round {
	case 1:
		relaxed.InitMinNumInliers = original.InitMinNumInliers / 2
	case 2:
		relaxed.InitMinNumInliers = original.InitMinNumInliers / 2
		relaxed.InitMinTriAngle = original.InitMinTriAngle / 2
	}
	return &relaxed
}
