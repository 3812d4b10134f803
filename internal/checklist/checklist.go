// Package checklist scores pre-delivery readiness. Where the gate is a
// hard boundary, the checklist is a continuous indicator: warnings earn
// half credit toward the readiness score.
package checklist

import (
	"fmt"

	"shipline/internal/domain"
)

// Score computes the weighted readiness report for a set of items.
// Passed items earn full weight, warnings half weight; anything else
// earns nothing. A failed or unresolved blocker/critical item is
// reported as a blocker line and forces not_ready.
func Score(items []domain.ChecklistItem) domain.DeliveryChecklist {
	out := domain.DeliveryChecklist{Items: items}
	totalWeight := 0
	earned := 0.0
	for _, item := range items {
		w := item.Importance.Weight()
		totalWeight += w
		switch item.Status {
		case domain.ItemPassed:
			earned += float64(w)
		case domain.ItemWarning:
			earned += float64(w) / 2
			out.Warnings = append(out.Warnings, describe(item))
		default:
			if item.Importance == domain.SeverityBlocker || item.Importance == domain.SeverityCritical {
				out.Blockers = append(out.Blockers, describe(item))
			} else {
				out.Warnings = append(out.Warnings, describe(item))
			}
		}
	}
	if totalWeight > 0 {
		out.ReadinessScore = earned / float64(totalWeight) * 100
	}
	switch {
	case len(out.Blockers) > 0:
		out.OverallStatus = domain.NotReady
	case len(out.Warnings) > 0:
		out.OverallStatus = domain.ReadyWithWarnings
	default:
		out.OverallStatus = domain.Ready
	}
	return out
}

func describe(item domain.ChecklistItem) string {
	if item.Detail != "" {
		return fmt.Sprintf("%s (%s): %s", item.Name, item.Status, item.Detail)
	}
	return fmt.Sprintf("%s (%s)", item.Name, item.Status)
}

// FromConfigItems materializes pending checklist items from catalogue
// entries, applying any known statuses by item name.
func FromConfigItems(names []domain.ChecklistItem, statuses map[string]domain.ItemStatus) []domain.ChecklistItem {
	out := make([]domain.ChecklistItem, len(names))
	copy(out, names)
	for i := range out {
		if s, ok := statuses[out[i].Name]; ok {
			out[i].Status = s
		} else if out[i].Status == "" {
			out[i].Status = domain.ItemPending
		}
	}
	return out
}
