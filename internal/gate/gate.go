// Package gate decides whether a build may be delivered. Unlike the
// readiness checklist, the gate is a hard pass/fail boundary: a warning
// observation earns no credit.
package gate

import (
	"context"
	"fmt"
	"time"

	"shipline/internal/check"
	"shipline/internal/domain"
)

// Evaluator runs the gate catalogue through a check executor.
type Evaluator struct {
	Executor check.Executor
	Now      func() time.Time
}

func New(exec check.Executor) Evaluator {
	return Evaluator{Executor: exec}
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluate runs every check and computes the deliver/block decision.
// A check that errors or panics counts as failed at its declared
// severity; one broken probe must not abort the whole evaluation.
func (e Evaluator) Evaluate(ctx context.Context, checks []domain.GateCheck, strict bool) domain.GateResult {
	result := domain.GateResult{
		StrictMode:  strict,
		EvaluatedAt: e.now().UTC().Format(time.RFC3339),
	}
	totalWeight := 0
	passedWeight := 0
	for _, c := range checks {
		item := e.runOne(ctx, c)
		totalWeight += c.Severity.Weight()
		if item.Status == domain.ItemPassed {
			passedWeight += c.Severity.Weight()
		} else {
			switch c.Severity {
			case domain.SeverityBlocker:
				result.Blockers = append(result.Blockers, item)
			case domain.SeverityCritical:
				result.Criticals = append(result.Criticals, item)
			default:
				result.Warnings = append(result.Warnings, item)
			}
		}
		result.Items = append(result.Items, item)
	}
	if totalWeight > 0 {
		result.OverallScore = float64(passedWeight) / float64(totalWeight) * 100
	}
	result.CanDeliver = len(result.Blockers) == 0 && (!strict || len(result.Criticals) == 0)
	return result
}

func (e Evaluator) runOne(ctx context.Context, c domain.GateCheck) (item domain.GateItemResult) {
	item = domain.GateItemResult{Check: c}
	defer func() {
		if r := recover(); r != nil {
			item.Status = domain.ItemFailed
			item.Observation = fmt.Sprintf("check panicked: %v", r)
		}
	}()
	res, err := e.Executor.Execute(ctx, c)
	if err != nil {
		item.Status = domain.ItemFailed
		item.Observation = err.Error()
		return item
	}
	item.CheckStatus = res.Status
	item.Observation = res.Observation
	item.Value = res.Value
	switch res.Status {
	case domain.CheckHealthy:
		item.Status = domain.ItemPassed
	case domain.CheckWarning:
		item.Status = domain.ItemWarning
	default:
		item.Status = domain.ItemFailed
	}
	return item
}
