// Package prompt rewrites a row's raw prompt into a richer generation prompt.
// Enhancement is optional: callers fall back to the raw prompt on any error.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"batchgen/internal/domain"
)

// EnhanceRequest carries the row fields an enhancer may draw on.
type EnhanceRequest struct {
	Prompt      string
	Mode        domain.GenerationMode
	Style       string
	Locale      string
	ProductName string
	Category    string
	Description string
}

// EnhanceResponse is the rewritten prompt and where it came from.
type EnhanceResponse struct {
	Prompt         string
	Provider       string
	FallbackReason string
}

type Enhancer interface {
	Enhance(ctx context.Context, req EnhanceRequest) (*EnhanceResponse, error)
}

// RequestFromRow builds an EnhanceRequest from a validated row.
func RequestFromRow(row domain.ProductRow, locale string) EnhanceRequest {
	return EnhanceRequest{
		Prompt:      row.Prompt,
		Mode:        row.Mode,
		Style:       row.Style,
		Locale:      locale,
		ProductName: deref(row.ProductName),
		Category:    deref(row.Category),
		Description: deref(row.Description),
	}
}

// StaticEnhancer applies a deterministic template. It never calls out.
type StaticEnhancer struct{}

func NewStaticEnhancer() *StaticEnhancer {
	return &StaticEnhancer{}
}

func (s *StaticEnhancer) Enhance(ctx context.Context, req EnhanceRequest) (*EnhanceResponse, error) {
	base := strings.TrimSpace(req.Prompt)
	if base == "" {
		return nil, fmt.Errorf("prompt: empty prompt")
	}
	tag := language.Und
	if req.Locale != "" {
		if parsed, err := language.Parse(req.Locale); err == nil {
			tag = parsed
		}
	}
	title := cases.Title(tag)

	var parts []string
	subject := "Product"
	if req.Mode.AssetType() == domain.AssetTypeVideo {
		subject = "Short product video"
	}
	if name := strings.TrimSpace(req.ProductName); name != "" {
		parts = append(parts, fmt.Sprintf("%s of %s", subject, title.String(name)))
	} else {
		parts = append(parts, subject)
	}
	if cat := strings.TrimSpace(req.Category); cat != "" {
		parts[0] += fmt.Sprintf(" (%s)", strings.ToLower(cat))
	}
	parts = append(parts, base)
	if desc := strings.TrimSpace(req.Description); desc != "" {
		parts = append(parts, "Details: "+desc)
	}
	if style := strings.TrimSpace(req.Style); style != "" {
		parts = append(parts, "Style: "+style)
	}
	if req.Mode.AssetType() == domain.AssetTypeVideo {
		parts = append(parts, "Smooth camera motion, stable framing, soft studio lighting.")
	} else {
		parts = append(parts, "Sharp focus, soft studio lighting, clean background, commercial quality.")
	}
	return &EnhanceResponse{Prompt: strings.Join(parts, ". "), Provider: staticProviderName}, nil
}

var _ Enhancer = (*StaticEnhancer)(nil)

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
