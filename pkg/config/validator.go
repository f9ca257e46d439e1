package config

import "fmt"

// Validator validates configuration comprehensively with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast — stops at first error).
func (v *Validator) ValidateAll() error {
	if err := v.validateScene(); err != nil {
		return fmt.Errorf("scene validation failed: %w", err)
	}
	if err := v.validateMapper(); err != nil {
		return fmt.Errorf("mapper validation failed: %w", err)
	}
	if err := v.validateDatabase(); err != nil {
		return fmt.Errorf("database validation failed: %w", err)
	}
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := v.validateCleanup(); err != nil {
		return fmt.Errorf("cleanup validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateScene() error {
	s := v.cfg.Scene
	if s == nil {
		return fmt.Errorf("scene configuration is nil")
	}
	if s.Name == "" {
		return NewValidationError("scene", "name", ErrMissingRequiredField)
	}
	if s.ImagesDir == "" {
		return NewValidationError("scene", "images_dir", ErrMissingRequiredField)
	}
	if s.OutputsDir == "" {
		return NewValidationError("scene", "outputs_dir", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateMapper() error {
	m := v.cfg.Mapper
	if m == nil {
		return fmt.Errorf("mapper configuration is nil")
	}
	if m.MinModelSize < 2 {
		return NewValidationError("mapper", "min_model_size", fmt.Errorf("%w: must be at least 2, got %d", ErrInvalidValue, m.MinModelSize))
	}
	if m.InitMinNumInliers < 1 {
		return NewValidationError("mapper", "init_min_num_inliers", fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidValue, m.InitMinNumInliers))
	}
	if m.InitMinTriAngle < 0 {
		return NewValidationError("mapper", "init_min_tri_angle", fmt.Errorf("%w: must be non-negative, got %f", ErrInvalidValue, m.InitMinTriAngle))
	}
	if m.SnapshotImagesFreq < 0 {
		return NewValidationError("mapper", "snapshot_images_freq", fmt.Errorf("%w: must be non-negative, got %d", ErrInvalidValue, m.SnapshotImagesFreq))
	}
	if m.MaxModelOverlap < 0 {
		return NewValidationError("mapper", "max_model_overlap", fmt.Errorf("%w: must be non-negative, got %d", ErrInvalidValue, m.MaxModelOverlap))
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	d := v.cfg.Database
	if d == nil {
		return fmt.Errorf("database configuration is nil")
	}
	if d.Path == "" {
		return NewValidationError("database", "path", ErrMissingRequiredField)
	}
	if d.BusyTimeout <= 0 {
		return NewValidationError("database", "busy_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateServer() error {
	s := v.cfg.Server
	if s == nil {
		return fmt.Errorf("server configuration is nil")
	}
	if s.ListenAddr == "" {
		return NewValidationError("server", "listen_addr", ErrMissingRequiredField)
	}
	if s.MaxUploadBytes <= 0 {
		return NewValidationError("server", "max_upload_bytes", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateCleanup() error {
	c := v.cfg.Cleanup
	if c == nil {
		return fmt.Errorf("cleanup configuration is nil")
	}
	if c.MaxSnapshots < 0 {
		return NewValidationError("cleanup", "max_snapshots", fmt.Errorf("%w: must be non-negative, got %d", ErrInvalidValue, c.MaxSnapshots))
	}
	if c.CleanupInterval <= 0 {
		return NewValidationError("cleanup", "cleanup_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}
