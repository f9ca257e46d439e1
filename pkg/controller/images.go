package controller

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirLister implements ImageLister by scanning a scene's image directory on
// every call — the same on-disk source of truth the RequestFrontend consults
// to populate SubmitRequest's numImages argument.
type DirLister struct {
	Dir string
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// ImageNames returns every image file name in Dir, sorted, recognized by
// extension.
func (l DirLister) ImageNames() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, fmt.Errorf("read image directory %s: %w", l.Dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SaveImage writes data to name within Dir, creating Dir if necessary. It
// refuses to write outside Dir or to a name that contains a path separator,
// since name is taken directly from the multipart upload's filename field.
func (l DirLister) SaveImage(name string, data []byte) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsRune(name, filepath.Separator) {
		return fmt.Errorf("invalid image name %q", name)
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("create image directory %s: %w", l.Dir, err)
	}
	dest := filepath.Join(l.Dir, name)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write image %s: %w", dest, err)
	}
	return nil
}
