package check

import (
	"context"
	"fmt"

	"shipline/internal/domain"
)

// StaticExecutor returns canned results keyed by check name. Checks
// without an entry report healthy. Used by tests and dry runs.
type StaticExecutor struct {
	Results map[string]Result
	Errs    map[string]error
	Calls   []string
}

func (s *StaticExecutor) Execute(_ context.Context, c domain.GateCheck) (Result, error) {
	s.Calls = append(s.Calls, c.Name)
	if err, ok := s.Errs[c.Name]; ok {
		return Result{}, err
	}
	if res, ok := s.Results[c.Name]; ok {
		return res, nil
	}
	return Result{Status: domain.CheckHealthy, Observation: fmt.Sprintf("%s ok", c.Name)}, nil
}
