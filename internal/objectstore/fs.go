package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when a locator resolves to no stored blob.
var ErrNotFound = eris.New("objectstore: not found")

// FS is a content-addressed filesystem store. Blobs live at
// <root>/<hh>/<sha256> with a JSON sidecar carrying the content type.
type FS struct {
	root string
}

type fsMeta struct {
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
}

// NewFS creates the store rooted at dir, creating it if needed.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "objectstore: create root %s", dir)
	}
	return &FS{root: dir}, nil
}

// Put implements Store. The locator is the hex SHA-256 of the data, so the
// same bytes always land in the same place and writes are idempotent.
func (f *FS) Put(_ context.Context, data []byte, contentType string) (string, error) {
	sum := sha256.Sum256(data)
	locator := hex.EncodeToString(sum[:])

	dir := filepath.Join(f.root, locator[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "objectstore: create shard dir")
	}
	blobPath := filepath.Join(dir, locator)
	if _, err := os.Stat(blobPath); err == nil {
		return locator, nil
	}

	meta, err := json.Marshal(fsMeta{
		ContentType: contentType,
		Size:        len(data),
		StoredAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", eris.Wrap(err, "objectstore: marshal meta")
	}
	if err := os.WriteFile(blobPath+".meta", meta, 0o644); err != nil {
		return "", eris.Wrap(err, "objectstore: write meta")
	}
	if err := os.WriteFile(blobPath, data, 0o644); err != nil {
		return "", eris.Wrap(err, "objectstore: write blob")
	}
	return locator, nil
}

// Get implements Store.
func (f *FS) Get(_ context.Context, locator string) ([]byte, string, error) {
	if len(locator) < 3 {
		return nil, "", eris.Wrapf(ErrNotFound, "invalid locator %q", locator)
	}
	blobPath := filepath.Join(f.root, locator[:2], locator)
	data, err := os.ReadFile(blobPath)
	if os.IsNotExist(err) {
		return nil, "", eris.Wrapf(ErrNotFound, "locator %s", locator)
	}
	if err != nil {
		return nil, "", eris.Wrap(err, "objectstore: read blob")
	}

	var meta fsMeta
	raw, err := os.ReadFile(blobPath + ".meta")
	if err != nil {
		return nil, "", eris.Wrap(err, "objectstore: read meta")
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, "", eris.Wrap(err, "objectstore: unmarshal meta")
	}
	return data, meta.ContentType, nil
}
