// Package stage holds the delivery pipeline definition: stage order,
// progress weights and the transition rules the sequencer enforces.
package stage

import (
	"fmt"

	"shipline/internal/domain"
)

// Order is the fixed pipeline sequence.
var Order = []domain.Stage{
	domain.StageQueued,
	domain.StagePreparing,
	domain.StageBuilding,
	domain.StageTesting,
	domain.StageDeploying,
	domain.StageVerifying,
	domain.StageConfiguring,
	domain.StageNotifying,
	domain.StageAcceptance,
}

// Weights maps each stage to its share of overall progress. The table
// must sum to exactly 100; it is part of the persisted contract.
var Weights = map[domain.Stage]int{
	domain.StageQueued:      5,
	domain.StagePreparing:   10,
	domain.StageBuilding:    20,
	domain.StageTesting:     15,
	domain.StageDeploying:   20,
	domain.StageVerifying:   10,
	domain.StageConfiguring: 10,
	domain.StageNotifying:   5,
	domain.StageAcceptance:  5,
}

// skippable stages may fail without terminating the session. A failed
// skippable stage leaves the session active and the run continues;
// the terminal verdict becomes partial.
var skippable = map[domain.Stage]bool{
	domain.StageTesting:     true,
	domain.StageVerifying:   true,
	domain.StageConfiguring: true,
	domain.StageNotifying:   true,
}

// rollbackable stages expose a rollback action on the platform.
var rollbackable = map[domain.Stage]bool{
	domain.StageDeploying:   true,
	domain.StageConfiguring: true,
}

// Skippable reports whether a failure of the stage may be skipped past.
func Skippable(s domain.Stage) bool { return skippable[s] }

// Rollbackable reports whether the stage exposes a rollback action.
func Rollbackable(s domain.Stage) bool { return rollbackable[s] }

// Valid reports whether s names a known pipeline stage.
func Valid(s domain.Stage) bool {
	_, ok := Weights[s]
	return ok
}

// Next returns the stage after s, or "" when s is the last stage.
func Next(s domain.Stage) domain.Stage {
	for i, st := range Order {
		if st == s {
			if i+1 < len(Order) {
				return Order[i+1]
			}
			return ""
		}
	}
	return ""
}

// Index returns the position of s in the pipeline, or -1.
func Index(s domain.Stage) int {
	for i, st := range Order {
		if st == s {
			return i
		}
	}
	return -1
}

// Outcome is the result the sequencer is told about a finished stage.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Progress computes overall progress from stage states: every stage
// whose status is completed or skipped counts its full weight, capped
// at 100. A failed stage contributes nothing until it is retried to
// completion or skipped past; skipped stages count because the pipeline
// has moved through them.
func Progress(stages []domain.StageInfo) int {
	total := 0
	for _, si := range stages {
		switch si.Status {
		case domain.StageCompleted, domain.StageSkipped:
			total += Weights[si.Stage]
		}
	}
	if total > 100 {
		total = 100
	}
	return total
}

// EnsureTransition validates a single StageInfo status change.
func EnsureTransition(old, next domain.StageStatus) error {
	switch old {
	case domain.StagePending:
		if next == domain.StageRunning || next == domain.StageSkipped {
			return nil
		}
	case domain.StageRunning:
		if next == domain.StageCompleted || next == domain.StageFailed || next == domain.StageSkipped {
			return nil
		}
	case domain.StageFailed:
		// retry or skip past
		if next == domain.StageRunning || next == domain.StageSkipped {
			return nil
		}
	case domain.StageCompleted:
		if next == domain.StageRolledBack {
			return nil
		}
	case domain.StageRolledBack:
		// redo after rollback
		if next == domain.StageRunning {
			return nil
		}
	}
	return fmt.Errorf("invalid stage status transition %s -> %s", old, next)
}

// Verdict derives the terminal session status once the pipeline has run
// to its end: failed if a non-skippable stage failed, partial if any
// stage failed at all, success otherwise.
func Verdict(stages []domain.StageInfo) domain.SessionStatus {
	anyFailed := false
	for _, si := range stages {
		if si.Status == domain.StageFailed {
			if !skippable[si.Stage] {
				return domain.SessionFailed
			}
			anyFailed = true
		}
	}
	if anyFailed {
		return domain.SessionPartial
	}
	return domain.SessionCompleted
}

// NewStageInfos returns the pending StageInfo list for a new session.
func NewStageInfos() []domain.StageInfo {
	infos := make([]domain.StageInfo, len(Order))
	for i, s := range Order {
		infos[i] = domain.StageInfo{Stage: s, Status: domain.StagePending}
	}
	return infos
}
