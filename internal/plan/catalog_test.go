package plan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"batchgen/internal/domain"
)

func TestLimitsFor(t *testing.T) {
	cat := Default()
	cases := []struct {
		tier domain.PlanTier
		want Limits
	}{
		{domain.PlanFree, Limits{10, 1}},
		{domain.PlanStarter, Limits{50, 2}},
		{domain.PlanPro, Limits{200, 5}},
		{domain.PlanEnterprise, Limits{1000, 10}},
		{domain.PlanTier("platinum"), Limits{10, 1}},
		{domain.PlanTier(""), Limits{10, 1}},
	}
	for _, tc := range cases {
		if got := cat.LimitsFor(tc.tier); got != tc.want {
			t.Errorf("LimitsFor(%q) = %+v, want %+v", tc.tier, got, tc.want)
		}
	}
}

func TestPrice(t *testing.T) {
	cat := Default()
	cat.Pricing.Models["wan2.5-t2v-plus"] = 15

	cases := []struct {
		mode  domain.GenerationMode
		model string
		want  int64
	}{
		{domain.ModeTextToImage, "", 1},
		{domain.ModeImageToImage, "", 2},
		{domain.ModeTextToVideo, "", 10},
		{domain.ModeImageToVideo, "", 12},
		{domain.ModeTextToVideo, "WAN2.5-T2V-PLUS", 15},
		{domain.ModeTextToImage, "unpriced-model", 1},
	}
	for _, tc := range cases {
		got, err := cat.Price(tc.mode, tc.model)
		if err != nil {
			t.Fatalf("Price(%s, %s) error: %v", tc.mode, tc.model, err)
		}
		if got != tc.want {
			t.Errorf("Price(%s, %s) = %d, want %d", tc.mode, tc.model, got, tc.want)
		}
	}
	if _, err := cat.Price("t3d", ""); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

func TestLoadCatalogEmptyPath(t *testing.T) {
	cat, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog error: %v", err)
	}
	if cat.LimitsFor(domain.PlanPro).MaxConcurrency != 5 {
		t.Fatalf("unexpected defaults: %+v", cat.Tiers)
	}
}

func TestLoadCatalogOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	body := `
tiers:
  pro:
    max_batch_size: 300
    max_concurrency: 8
  team:
    max_batch_size: 100
    max_concurrency: 3
pricing:
  modes:
    t2v: 20
  models:
    Wan2.5-I2V-Preview: 25
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog error: %v", err)
	}
	if got := cat.LimitsFor(domain.PlanPro); got != (Limits{300, 8}) {
		t.Fatalf("pro override = %+v", got)
	}
	if got := cat.LimitsFor("team"); got != (Limits{100, 3}) {
		t.Fatalf("new tier = %+v", got)
	}
	if got := cat.LimitsFor(domain.PlanStarter); got != (Limits{50, 2}) {
		t.Fatalf("untouched tier = %+v", got)
	}
	if p, _ := cat.Price(domain.ModeTextToVideo, ""); p != 20 {
		t.Fatalf("t2v price = %d", p)
	}
	if p, _ := cat.Price(domain.ModeImageToVideo, "wan2.5-i2v-preview"); p != 25 {
		t.Fatalf("model override = %d", p)
	}
	if p, _ := cat.Price(domain.ModeTextToImage, ""); p != 1 {
		t.Fatalf("t2i price = %d", p)
	}
}

func TestLoadCatalogRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero limits":  "tiers:\n  pro:\n    max_batch_size: 0\n    max_concurrency: 1\n",
		"unknown mode": "pricing:\n  modes:\n    t3d: 4\n",
		"zero price":   "pricing:\n  models:\n    m: 0\n",
		"bad yaml":     "tiers: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "catalog.yaml")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadCatalog(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
