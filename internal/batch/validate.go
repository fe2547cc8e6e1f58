package batch

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"batchgen/internal/domain"
	"batchgen/internal/plan"
)

// MaxPromptRunes caps a single row prompt.
const MaxPromptRunes = 2000

// ValidateRows checks a submission against the plan limits and pricing table
// and returns the rows normalized and sorted by row index. Rows without an
// index get their 1-based position. A batch larger than the plan allows is
// rejected without inspecting individual rows.
func ValidateRows(rows []domain.ProductRow, limits plan.Limits, catalog *plan.Catalog) ([]domain.ProductRow, error) {
	verr := &domain.ValidationError{}
	if len(rows) == 0 {
		verr.Add(0, "rows", "must contain at least one row")
		return nil, verr
	}
	if len(rows) > limits.MaxBatchSize {
		verr.Add(0, "rows", fmt.Sprintf("has %d rows, plan allows at most %d", len(rows), limits.MaxBatchSize))
		return nil, verr
	}

	out := make([]domain.ProductRow, 0, len(rows))
	seen := make(map[int]bool, len(rows))
	for i, row := range rows {
		if row.RowIndex == 0 {
			row.RowIndex = i + 1
		}
		idx := row.RowIndex
		if idx < 0 {
			verr.Add(0, "row_index", fmt.Sprintf("must be positive, got %d", idx))
			continue
		}
		if seen[idx] {
			verr.Add(idx, "row_index", "is duplicated")
			continue
		}
		seen[idx] = true

		row.Prompt = strings.TrimSpace(row.Prompt)
		switch {
		case row.Prompt == "":
			verr.Add(idx, "prompt", "is required")
		case utf8.RuneCountInString(row.Prompt) > MaxPromptRunes:
			verr.Add(idx, "prompt", fmt.Sprintf("exceeds %d characters", MaxPromptRunes))
		}

		row.Mode = domain.GenerationMode(strings.ToLower(strings.TrimSpace(string(row.Mode))))
		if row.Mode == "" {
			row.Mode = domain.ModeTextToImage
		}
		if !row.Mode.Valid() {
			verr.Add(idx, "mode", fmt.Sprintf("unsupported mode %q", row.Mode))
		} else if _, err := catalog.Price(row.Mode, row.Model); err != nil {
			verr.Add(idx, "mode", "has no price")
		}

		row.ReferenceImageURL = strings.TrimSpace(row.ReferenceImageURL)
		if row.Mode.NeedsReference() {
			if row.ReferenceImageURL == "" {
				verr.Add(idx, "reference_image_url", "is required for "+string(row.Mode))
			} else if u, err := url.Parse(row.ReferenceImageURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				verr.Add(idx, "reference_image_url", "must be an absolute http(s) url")
			}
		}
		row.Model = strings.TrimSpace(row.Model)
		row.Style = strings.TrimSpace(row.Style)
		row.AspectRatio = strings.TrimSpace(row.AspectRatio)
		out = append(out, row)
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}
