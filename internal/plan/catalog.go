// Package plan maps subscription tiers to batch limits and generation modes
// to credit prices.
package plan

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"batchgen/internal/domain"
)

// ErrUnknownMode is returned when a row asks for a mode the catalog cannot price.
var ErrUnknownMode = errors.New("plan: unknown generation mode")

// Limits bounds one job.
type Limits struct {
	MaxBatchSize   int `yaml:"max_batch_size" json:"max_batch_size"`
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
}

// Pricing lists credits per generation. Model overrides win over the mode price.
type Pricing struct {
	Modes  map[domain.GenerationMode]int64 `yaml:"modes"`
	Models map[string]int64                `yaml:"models"`
}

// Catalog is the immutable policy table consulted at submission and dispatch.
type Catalog struct {
	Tiers   map[domain.PlanTier]Limits `yaml:"tiers"`
	Pricing Pricing                    `yaml:"pricing"`
}

// Default returns the built-in tiers and prices.
func Default() *Catalog {
	return &Catalog{
		Tiers: map[domain.PlanTier]Limits{
			domain.PlanFree:       {MaxBatchSize: 10, MaxConcurrency: 1},
			domain.PlanStarter:    {MaxBatchSize: 50, MaxConcurrency: 2},
			domain.PlanPro:        {MaxBatchSize: 200, MaxConcurrency: 5},
			domain.PlanEnterprise: {MaxBatchSize: 1000, MaxConcurrency: 10},
		},
		Pricing: Pricing{
			Modes: map[domain.GenerationMode]int64{
				domain.ModeTextToImage:  1,
				domain.ModeImageToImage: 2,
				domain.ModeTextToVideo:  10,
				domain.ModeImageToVideo: 12,
			},
			Models: map[string]int64{},
		},
	}
}

// LoadCatalog reads a YAML override file and merges it onto Default. An empty
// path returns Default unchanged.
func LoadCatalog(path string) (*Catalog, error) {
	cat := Default()
	if strings.TrimSpace(path) == "" {
		return cat, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: read catalog: %w", err)
	}
	var override Catalog
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("plan: parse catalog: %w", err)
	}
	for tier, limits := range override.Tiers {
		tier = domain.PlanTier(strings.ToLower(string(tier)))
		if limits.MaxBatchSize < 1 || limits.MaxConcurrency < 1 {
			return nil, fmt.Errorf("plan: tier %s needs positive limits, got %+v", tier, limits)
		}
		cat.Tiers[tier] = limits
	}
	for mode, price := range override.Pricing.Modes {
		if !mode.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
		}
		if price < 1 {
			return nil, fmt.Errorf("plan: mode %s needs a positive price, got %d", mode, price)
		}
		cat.Pricing.Modes[mode] = price
	}
	for model, price := range override.Pricing.Models {
		if price < 1 {
			return nil, fmt.Errorf("plan: model %s needs a positive price, got %d", model, price)
		}
		cat.Pricing.Models[strings.ToLower(model)] = price
	}
	return cat, nil
}

// LimitsFor returns the limits of tier. Unknown tiers get the free limits.
func (c *Catalog) LimitsFor(tier domain.PlanTier) Limits {
	if limits, ok := c.Tiers[tier]; ok {
		return limits
	}
	return c.Tiers[domain.PlanFree]
}

// Price returns the credits one generation of mode with model costs.
func (c *Catalog) Price(mode domain.GenerationMode, model string) (int64, error) {
	if model != "" {
		if price, ok := c.Pricing.Models[strings.ToLower(model)]; ok {
			return price, nil
		}
	}
	price, ok := c.Pricing.Modes[mode]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return price, nil
}
