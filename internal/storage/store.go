// Package storage persists generated assets and archives and fetches provider
// outputs published behind URLs.
package storage

import (
	"context"
	"errors"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("storage: object not found")

// Object describes a stored blob.
type Object struct {
	Key       string
	PublicURL string
	Size      int64
}

// ObjectStore is implemented by the filesystem and S3 stores.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// AssetKey is the storage key of a row's output.
func AssetKey(jobID string, rowIndex int, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "bin"
	}
	return "generated/" + jobID + "/" + strconv.Itoa(rowIndex) + "." + ext
}

// ArchiveKey is the storage key of a job's output archive.
func ArchiveKey(jobID string) string {
	return "archives/" + jobID + ".zip"
}

// ExtensionFor picks a file extension from a content type, falling back to the
// extension of the source URL path.
func ExtensionFor(contentType, sourceURL string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	}
	if ct != "" {
		if exts, err := mime.ExtensionsByType(ct); err == nil && len(exts) > 0 {
			return strings.TrimPrefix(exts[0], ".")
		}
	}
	if sourceURL != "" {
		path := sourceURL
		if i := strings.IndexAny(path, "?#"); i >= 0 {
			path = path[:i]
		}
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	return "bin"
}
