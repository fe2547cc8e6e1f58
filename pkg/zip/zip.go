package zip

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one file placed in an archive.
type Entry struct {
	Filename string
	MIME     string
	Data     []byte
}

// ManifestItem describes an entry in manifest.json.
type ManifestItem struct {
	Filename string `json:"filename"`
	MIME     string `json:"mime,omitempty"`
	Size     int    `json:"size"`
	RowIndex int    `json:"row_index,omitempty"`
}

// Archive builds a zip of entries followed by a manifest.json listing them.
// rowIndex maps filenames to their source row and may be nil.
func Archive(entries []Entry, rowIndex map[string]int, modified time.Time) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	manifest := make([]ManifestItem, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.Filename == "" || seen[entry.Filename] {
			return nil, fmt.Errorf("zip: invalid or duplicate filename %q", entry.Filename)
		}
		seen[entry.Filename] = true
		w, err := zw.CreateHeader(&zip.FileHeader{Name: entry.Filename, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return nil, fmt.Errorf("zip: create %s: %w", entry.Filename, err)
		}
		if _, err := w.Write(entry.Data); err != nil {
			return nil, fmt.Errorf("zip: write %s: %w", entry.Filename, err)
		}
		manifest = append(manifest, ManifestItem{
			Filename: entry.Filename,
			MIME:     entry.MIME,
			Size:     len(entry.Data),
			RowIndex: rowIndex[entry.Filename],
		})
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "manifest.json", Method: zip.Deflate, Modified: modified})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
