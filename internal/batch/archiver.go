package batch

import (
	"context"
	"fmt"
	"path"
	"time"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/storage"
	"batchgen/pkg/zip"
)

// Archiver bundles a job's completed assets into one zip.
type Archiver struct {
	store   domain.BatchStore
	objects storage.ObjectStore
	logger  infra.Logger
	now     func() time.Time
}

func NewArchiver(store domain.BatchStore, objects storage.ObjectStore, logger infra.Logger) *Archiver {
	return &Archiver{store: store, objects: objects, logger: logger, now: time.Now}
}

// Archive stores archives/<jobId>.zip and records its public ref on the job.
// Jobs without completed assets get no archive and an empty ref.
func (a *Archiver) Archive(ctx context.Context, jobID string) (string, error) {
	outcomes, err := a.store.ListOutcomes(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("archive: list outcomes: %w", err)
	}
	var entries []zip.Entry
	rowIndex := map[string]int{}
	for _, o := range outcomes {
		if o.Asset == nil || o.Asset.Status != domain.AssetStatusCompleted || o.Asset.StorageRef == "" {
			continue
		}
		data, err := a.objects.Get(ctx, o.Asset.StorageRef)
		if err != nil {
			return "", fmt.Errorf("archive: read row %d: %w", o.Row.RowIndex, err)
		}
		name := fmt.Sprintf("row-%04d%s", o.Row.RowIndex, path.Ext(o.Asset.StorageRef))
		contentType, _ := o.Asset.Metadata["content_type"].(string)
		entries = append(entries, zip.Entry{Filename: name, MIME: contentType, Data: data})
		rowIndex[name] = o.Row.RowIndex
	}
	if len(entries) == 0 {
		return "", nil
	}
	archive, err := zip.Archive(entries, rowIndex, a.now())
	if err != nil {
		return "", fmt.Errorf("archive: build: %w", err)
	}
	obj, err := a.objects.Put(ctx, storage.ArchiveKey(jobID), archive, "application/zip")
	if err != nil {
		return "", fmt.Errorf("archive: store: %w", err)
	}
	if err := a.store.SetArchive(ctx, jobID, obj.PublicURL); err != nil {
		return "", fmt.Errorf("archive: record: %w", err)
	}
	a.logger.Info().Str("job_id", jobID).Int("assets", len(entries)).Str("ref", obj.PublicURL).Msg("archive: stored")
	return obj.PublicURL, nil
}
