// Package check runs named diagnostics against a delivered product.
// The Executor interface is the seam between the scoring logic and the
// network: production uses HTTP probes, tests use a static executor.
package check

import (
	"context"

	"shipline/internal/domain"
)

// Known check types. The gate catalogue may name others; unknown types
// fall back to a plain HTTP probe of the check target.
const (
	TypeHealth    = "health"
	TypeSSL       = "ssl"
	TypeDatabase  = "database"
	TypeStorage   = "storage"
	TypeMemory    = "memory"
	TypeCPU       = "cpu"
	TypeLatency   = "latency"
	TypeErrorRate = "error_rate"
	TypeBackup    = "backup"
)

// Result is one diagnostic observation.
type Result struct {
	Status      domain.CheckStatus
	Observation string
	Value       float64
}

// Executor runs one named diagnostic against a target. Implementations
// classify their own failures into the tri-state status; Execute returns
// an error only when the check could not be attempted at all.
type Executor interface {
	Execute(ctx context.Context, c domain.GateCheck) (Result, error)
}
