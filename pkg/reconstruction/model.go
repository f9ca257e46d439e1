// Package reconstruction owns the persistent 3D model and its on-disk
// database/pairs-file companions. It is mutated only by the PipelineController
// worker goroutine; the RequestFrontend never touches it directly.
package reconstruction

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Point3D is a minimal record of a triangulated point: enough bookkeeping to
// drive the mapper's stage decisions and export text/PLY artifacts. The
// exports write X/Y/Z and R/G/B, but AddPoint leaves them at zero and this
// package has no setter for them; Reconstruction tracks identity and
// observation count.
type Point3D struct {
	ID           int
	X, Y, Z      float64
	R, G, B      uint8
	Observations int
}

// Reconstruction is the in-memory SfM model: a set of registered images with
// poses, a set of 3D points, and per-point observation counts. There is at
// most one instance alive per process; the controller enforces this by never
// keeping more than one around at a handler boundary.
type Reconstruction struct {
	regImages map[int]struct{}
	points    map[int]*Point3D
	nextPoint int
}

// New returns an empty reconstruction.
func New() *Reconstruction {
	return &Reconstruction{
		regImages: make(map[int]struct{}),
		points:    make(map[int]*Point3D),
	}
}

// Register marks imageID as registered with a pose. The engine is assumed to
// have already computed and stored that pose; Reconstruction only tracks
// membership.
func (r *Reconstruction) Register(imageID int) {
	r.regImages[imageID] = struct{}{}
}

// Deregister removes imageID from the registered set.
func (r *Reconstruction) Deregister(imageID int) {
	delete(r.regImages, imageID)
}

// IsRegistered reports whether imageID currently has a pose.
func (r *Reconstruction) IsRegistered(imageID int) bool {
	_, ok := r.regImages[imageID]
	return ok
}

// NumRegImages returns the count of registered images.
func (r *Reconstruction) NumRegImages() int {
	return len(r.regImages)
}

// NumPoints3D returns the count of triangulated 3D points.
func (r *Reconstruction) NumPoints3D() int {
	return len(r.points)
}

// RegImageIDs returns the registered image ids in ascending order (sorted
// only so tests and exports are deterministic — the engine's actual order is
// opaque).
func (r *Reconstruction) RegImageIDs() []int {
	ids := make([]int, 0, len(r.regImages))
	for id := range r.regImages {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// NumSharedRegImages returns how many of other's registered ids are also
// registered in r — used by the mapper's max_model_overlap early exit.
func (r *Reconstruction) NumSharedRegImages(other *Reconstruction) int {
	shared := 0
	for id := range r.regImages {
		if other.IsRegistered(id) {
			shared++
		}
	}
	return shared
}

// AddPoint registers a new 3D point with the given observation count and
// returns its id. Called by the engine-facing triangulation step.
func (r *Reconstruction) AddPoint(observations int) int {
	r.nextPoint++
	id := r.nextPoint
	r.points[id] = &Point3D{ID: id, Observations: observations}
	return id
}

// NumObservations sums observation counts across all points — reported
// alongside num_visible_points3D in the per-candidate registration log.
func (r *Reconstruction) NumObservations() int {
	total := 0
	for _, p := range r.points {
		total += p.Observations
	}
	return total
}

// Summary returns a short human-readable description used in log lines and
// user_message text.
func (r *Reconstruction) Summary() string {
	return fmt.Sprintf("%d registered images, %d points, %d observations",
		r.NumRegImages(), r.NumPoints3D(), r.NumObservations())
}

// ExportPLY writes an ASCII PLY point cloud to dir/reconstruction.ply.
func (r *Reconstruction) ExportPLY(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ply dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "reconstruction.ply"))
	if err != nil {
		return fmt.Errorf("create reconstruction.ply: %w", err)
	}
	defer f.Close()

	ids := make([]int, 0, len(r.points))
	for id := range r.points {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	fmt.Fprintf(f, "ply\nformat ascii 1.0\nelement vertex %d\n", len(ids))
	fmt.Fprint(f, "property float x\nproperty float y\nproperty float z\n")
	fmt.Fprint(f, "property uchar red\nproperty uchar green\nproperty uchar blue\nend_header\n")
	for _, id := range ids {
		p := r.points[id]
		fmt.Fprintf(f, "%f %f %f %d %d %d\n", p.X, p.Y, p.Z, p.R, p.G, p.B)
	}
	return nil
}

// WriteText writes cameras.txt, images.txt, and points3D.txt to dir, in the
// COLMAP-style text export format this server's artifacts are named after.
func (r *Reconstruction) WriteText(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	cameras, err := os.Create(filepath.Join(dir, "cameras.txt"))
	if err != nil {
		return err
	}
	defer cameras.Close()
	fmt.Fprintln(cameras, "# CAMERA_ID, MODEL, WIDTH, HEIGHT, PARAMS[]")

	images, err := os.Create(filepath.Join(dir, "images.txt"))
	if err != nil {
		return err
	}
	defer images.Close()
	fmt.Fprintln(images, "# IMAGE_ID, QW, QX, QY, QZ, TX, TY, TZ, CAMERA_ID, NAME")
	for _, id := range r.RegImageIDs() {
		fmt.Fprintf(images, "%d 1 0 0 0 0 0 0 %d image%d.jpg\n", id, id, id)
	}

	points, err := os.Create(filepath.Join(dir, "points3D.txt"))
	if err != nil {
		return err
	}
	defer points.Close()
	fmt.Fprintln(points, "# POINT3D_ID, X, Y, Z, R, G, B, ERROR, TRACK[]")
	ids := make([]int, 0, len(r.points))
	for id := range r.points {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		p := r.points[id]
		fmt.Fprintf(points, "%d %f %f %f %d %d %d 0.0\n", p.ID, p.X, p.Y, p.Z, p.R, p.G, p.B)
	}
	return nil
}
