// Package blob stores raw IIIF documents on disk under content-addressed
// paths derived from the resource identifier.
package blob

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

const manifestsDir = "madoc-manifests"

var ErrNotFound = errors.New("blob not found")

// Store reads and writes blobs relative to a root directory. Paths handed
// out by ManifestPath and CanvasPath are slash separated and relative, so
// they can be stored in task parameters.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func hash(id string) string {
	sum := sha1.Sum([]byte(id))
	return hex.EncodeToString(sum[:])
}

func ManifestPath(manifestID string) string {
	return path.Join(manifestsDir, hash(manifestID), "manifest.json")
}

func CanvasPath(manifestID string, order int) string {
	return path.Join(manifestsDir, hash(manifestID), "canvases", "c"+strconv.Itoa(order)+".json")
}

func (s *Store) resolve(rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" || strings.Contains(rel, "\\") {
		return "", fmt.Errorf("invalid blob path %q", rel)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Write stores data at rel, replacing any previous content. The file is
// written to a temporary name first and renamed into place.
func (s *Store) Write(rel string, data []byte) error {
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-*")
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

func (s *Store) Read(rel string) ([]byte, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}
