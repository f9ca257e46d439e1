package reconstruction

import (
	"context"
	"database/sql"
	"fmt"
)

// CameraParams describes a camera model as inferred by the SfmEngine from an
// image's metadata (or shared across a batch when the scene uses one fixed
// camera). Model follows the engine's own naming; Params is model-specific
// and opaque to this package.
type CameraParams struct {
	Model  string
	Width  int
	Height int
	Params []float64
}

// Keypoint is a single detected feature location in image pixel coordinates,
// prior to the +0.5 origin-convention offset applied on import.
type Keypoint struct {
	X, Y float64
}

// ImageImport bundles everything needed to register one new image with the
// database: its name, inferred camera, and extracted keypoints.
type ImageImport struct {
	Name      string
	Camera    CameraParams
	Keypoints []Keypoint
}

// CreateEmpty clears every table, leaving the schema in place. The worker
// calls this once at bootstrap before the first ImportImages, so a restart
// against a stale database.db never mixes rows from a previous session.
func (d *Database) CreateEmpty(ctx context.Context) error {
	tables := []string{"two_view_geometries", "matches", "keypoints", "images", "cameras"}
	for _, t := range tables {
		if _, err := d.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("clear table %s: %w", t, err)
		}
	}
	return nil
}

// ImageIDs returns every image name in the database mapped to its database
// id, whether or not the image is registered in the model.
func (d *Database) ImageIDs(ctx context.Context) (map[string]int64, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT image_id, name FROM images")
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]int64)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan image row: %w", err)
		}
		ids[name] = id
	}
	return ids, rows.Err()
}

// ImportImages adds a camera, an image row, and its keypoints for each entry
// in imports, and returns the resulting name-to-id map. Each image gets its
// own camera row even when two images share identical params — mirroring the
// reference implementation's per-image camera inference, which never
// deduplicates cameras across images. Keypoints are shifted by +0.5 on
// import, matching the pixel-center-vs-corner origin convention the engine's
// feature format and the database's storage convention disagree on.
func (d *Database) ImportImages(ctx context.Context, imports []ImageImport) (map[string]int64, error) {
	if len(imports) == 0 {
		return map[string]int64{}, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make(map[string]int64, len(imports))
	for _, imp := range imports {
		cameraID, err := insertCamera(ctx, tx, imp.Camera)
		if err != nil {
			return nil, fmt.Errorf("insert camera for %s: %w", imp.Name, err)
		}

		imageID, err := insertImage(ctx, tx, imp.Name, cameraID)
		if err != nil {
			return nil, fmt.Errorf("insert image %s: %w", imp.Name, err)
		}

		if err := insertKeypoints(ctx, tx, imageID, imp.Keypoints); err != nil {
			return nil, fmt.Errorf("insert keypoints for %s: %w", imp.Name, err)
		}

		ids[imp.Name] = imageID
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit image import: %w", err)
	}
	return ids, nil
}

func insertCamera(ctx context.Context, tx *sql.Tx, c CameraParams) (int64, error) {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO cameras (model, width, height, params) VALUES (?, ?, ?, ?)",
		c.Model, c.Width, c.Height, formatParams(c.Params))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func insertImage(ctx context.Context, tx *sql.Tx, name string, cameraID int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO images (name, camera_id) VALUES (?, ?)", name, cameraID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func insertKeypoints(ctx context.Context, tx *sql.Tx, imageID int64, keypoints []Keypoint) error {
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO keypoints (image_id, idx, x, y) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	const originOffset = 0.5
	for idx, kp := range keypoints {
		if _, err := stmt.ExecContext(ctx, imageID, idx, kp.X+originOffset, kp.Y+originOffset); err != nil {
			return err
		}
	}
	return nil
}

func formatParams(params []float64) string {
	s := ""
	for i, p := range params {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%g", p)
	}
	return s
}

// MatchCount is the number of raw feature matches found between two images,
// prior to geometric verification.
type MatchCount struct {
	Pair  Pair
	Count int
}

// RecordMatches stores raw match counts for a batch of pairs, keyed by the
// image ids the caller already resolved via ImageIDs.
func (d *Database) RecordMatches(ctx context.Context, imageIDs map[string]int64, counts []MatchCount) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO matches (image_id_a, image_id_b, num_matches) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, mc := range counts {
		idA, ok := imageIDs[mc.Pair.ImageA]
		if !ok {
			return fmt.Errorf("unknown image %s in match pair", mc.Pair.ImageA)
		}
		idB, ok := imageIDs[mc.Pair.ImageB]
		if !ok {
			return fmt.Errorf("unknown image %s in match pair", mc.Pair.ImageB)
		}
		if _, err := stmt.ExecContext(ctx, idA, idB, mc.Count); err != nil {
			return fmt.Errorf("record match %s/%s: %w", mc.Pair.ImageA, mc.Pair.ImageB, err)
		}
	}
	return tx.Commit()
}

// RecordVerification stores the geometric-verification verdict for a batch
// of pairs, keyed the same way as RecordMatches.
func (d *Database) RecordVerification(ctx context.Context, imageIDs map[string]int64, verified map[Pair]bool) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO two_view_geometries (image_id_a, image_id_b, verified) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for pair, ok := range verified {
		idA, known := imageIDs[pair.ImageA]
		if !known {
			return fmt.Errorf("unknown image %s in verification pair", pair.ImageA)
		}
		idB, known := imageIDs[pair.ImageB]
		if !known {
			return fmt.Errorf("unknown image %s in verification pair", pair.ImageB)
		}
		verifiedInt := 0
		if ok {
			verifiedInt = 1
		}
		if _, err := stmt.ExecContext(ctx, idA, idB, verifiedInt); err != nil {
			return fmt.Errorf("record verification %s/%s: %w", pair.ImageA, pair.ImageB, err)
		}
	}
	return tx.Commit()
}
