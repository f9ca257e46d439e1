package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/sfmsession/sessiond/pkg/models"
	"github.com/sfmsession/sessiond/pkg/rendezvous"
)

// artifactNames is, in order, every file the exported PLY directory may
// contain; the response ZIP includes whichever of these currently exist.
var artifactNames = []string{"cameras.txt", "images.txt", "points3D.txt", "reconstruction.ply"}

// errMetadataNotProvided is returned verbatim as the "error" field of a 400
// response — spec.md §6 mandates the literal body
// {"error":"Metadata not provided"} when the metadata part is missing.
var errMetadataNotProvided = errors.New("Metadata not provided")

// processHandler handles POST /process: the rendezvous handshake's single
// HTTP entry point.
func (s *Server) processHandler(c *echo.Context) error {
	// 1. Parse the metadata part.
	req, err := parseMetadataPart(c.Request())
	if err != nil {
		return writeJSONError(c, http.StatusBadRequest, err.Error())
	}

	// 2. Save the optional uploaded image.
	if fh, ferr := c.FormFile("image"); ferr == nil {
		if err := s.saveUploadedImage(fh); err != nil {
			return writeJSONError(c, http.StatusBadRequest, err.Error())
		}
	}

	// 3. Resolve full_pipeline's session default and the current on-disk
	// image count.
	fullPipeline := s.mcfg.FullPipelineDefault
	if req.FullPipeline != nil {
		fullPipeline = *req.FullPipeline
	}
	names, err := s.images.ImageNames()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// 4. Publish the request and block for the worker's response.
	resp := s.rdv.SubmitRequest(rendezvous.TaskRequest{
		Task:                 req.Task,
		FullPipeline:         fullPipeline,
		Skip:                 req.Skip,
		LetColmapChooseOrder: req.LetColmapChooseOrder,
	}, len(names))

	// 5. Stream back the multipart/mixed response.
	return s.writeProcessResponse(c, resp)
}

// parseMetadataPart reads and decodes the request's "metadata" form field.
func parseMetadataPart(r *http.Request) (models.RequestMetadata, error) {
	var req models.RequestMetadata
	raw := r.FormValue("metadata")
	if raw == "" {
		return req, errMetadataNotProvided
	}
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return req, fmt.Errorf("invalid metadata JSON: %w", err)
	}
	return req, nil
}

// writeJSONError writes {"error": message} directly rather than going
// through echo.NewHTTPError, whose default HTTPErrorHandler serializes as
// {"message": ...} — spec.md §6 mandates the "error" field name for
// POST /process's failure responses.
func writeJSONError(c *echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}

// saveUploadedImage persists the "image" multipart file under the scene's
// image directory.
func (s *Server) saveUploadedImage(fh *multipart.FileHeader) error {
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open uploaded image: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read uploaded image: %w", err)
	}
	return s.images.SaveImage(fh.Filename, data)
}

// writeProcessResponse writes the multipart/mixed body: a JSON status part
// followed by a ZIP of whichever artifacts exist in the latest export
// directory.
func (s *Server) writeProcessResponse(c *echo.Context, resp rendezvous.Response) error {
	status := "ok"
	description := "request processed"
	if resp.Error != "" {
		status = "error"
		description = resp.Error
	}

	files, zipData, err := s.buildArtifactZip()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	body := &models.ProcessResponse{
		Status:      status,
		Description: description,
		UserMessage: resp.UserMessage,
		Files:       files,
	}
	jsonPart, err := json.Marshal(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	w := c.Response()
	mw := multipart.NewWriter(w)
	// A uuid-derived boundary, matching the reference implementation's
	// WebKitFormBoundary-style framing rather than Go's default random hex.
	if err := mw.SetBoundary("WebKitFormBoundary" + uuid.New().String()); err != nil {
		return fmt.Errorf("set multipart boundary: %w", err)
	}
	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)

	jsonHeader := make(map[string][]string)
	jsonHeader["Content-Type"] = []string{"application/json"}
	jp, err := mw.CreatePart(jsonHeader)
	if err != nil {
		return err
	}
	if _, err := jp.Write(jsonPart); err != nil {
		return err
	}

	zipHeader := make(map[string][]string)
	zipHeader["Content-Type"] = []string{"application/zip"}
	zipHeader["Content-Disposition"] = []string{`attachment; filename="response_files.zip"`}
	zp, err := mw.CreatePart(zipHeader)
	if err != nil {
		return err
	}
	if _, err := zp.Write(zipData); err != nil {
		return err
	}

	return mw.Close()
}

// buildArtifactZip reads whichever of artifactNames currently exist in the
// latest export directory and packages them into a ZIP archive. A missing
// export directory (no top-level handler has run yet) yields an empty
// archive rather than an error.
func (s *Server) buildArtifactZip() ([]string, []byte, error) {
	var files []string
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	dir := s.exports.LatestExportDir()
	for _, name := range artifactNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		w, err := zw.Create(name)
		if err != nil {
			return nil, nil, fmt.Errorf("create zip entry %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, nil, fmt.Errorf("write zip entry %s: %w", name, err)
		}
		files = append(files, name)
	}

	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("close zip archive: %w", err)
	}
	return files, buf.Bytes(), nil
}
