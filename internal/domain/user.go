package domain

import "strings"

// PlanTier enumerates subscription levels. Only the limits derived from the
// tier are consumed by the orchestrator.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// ParsePlanTier normalizes free-form input. Unknown values map to free.
func ParsePlanTier(raw string) PlanTier {
	switch PlanTier(strings.ToLower(strings.TrimSpace(raw))) {
	case PlanStarter:
		return PlanStarter
	case PlanPro:
		return PlanPro
	case PlanEnterprise:
		return PlanEnterprise
	default:
		return PlanFree
	}
}
