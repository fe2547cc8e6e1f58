package zip

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"
)

func TestArchiveWritesEntriesAndManifest(t *testing.T) {
	data, err := Archive([]Entry{
		{Filename: "row-1.png", MIME: "image/png", Data: []byte("one")},
		{Filename: "row-2.mp4", MIME: "video/mp4", Data: []byte("two!")},
	}, map[string]int{"row-1.png": 1, "row-2.mp4": 2}, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if len(zr.File) != 3 || zr.File[2].Name != "manifest.json" {
		t.Fatalf("unexpected entries: %d", len(zr.File))
	}
	rc, _ := zr.File[2].Open()
	raw, _ := io.ReadAll(rc)
	rc.Close()
	var manifest []ManifestItem
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if manifest[1].RowIndex != 2 || manifest[1].Size != 4 {
		t.Fatalf("manifest[1] = %+v", manifest[1])
	}
}

func TestArchiveRejectsDuplicates(t *testing.T) {
	_, err := Archive([]Entry{{Filename: "a"}, {Filename: "a"}}, nil, time.Now())
	if err == nil {
		t.Fatal("expected duplicate filename error")
	}
}
