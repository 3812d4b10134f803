package checklist

import (
	"testing"

	"shipline/internal/domain"
)

func TestPartialCreditScenario(t *testing.T) {
	items := []domain.ChecklistItem{
		{Name: "build_artifacts_present", Importance: domain.SeverityBlocker, Status: domain.ItemPassed},
		{Name: "smoke_tests_passed", Importance: domain.SeverityBlocker, Status: domain.ItemWarning},
	}
	got := Score(items)
	// 30 full + 15 half-credit out of 60 total
	if got.ReadinessScore != 75 {
		t.Fatalf("readiness = %v, want 75", got.ReadinessScore)
	}
	if got.OverallStatus != domain.ReadyWithWarnings {
		t.Fatalf("status = %s, want ready_with_warnings", got.OverallStatus)
	}
	if len(got.Blockers) != 0 {
		t.Fatalf("unexpected blockers: %v", got.Blockers)
	}
	if len(got.Warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(got.Warnings))
	}
}

func TestFailedBlockerForcesNotReady(t *testing.T) {
	items := []domain.ChecklistItem{
		{Name: "build_artifacts_present", Importance: domain.SeverityBlocker, Status: domain.ItemFailed, Detail: "dist/ missing"},
		{Name: "docs_published", Importance: domain.SeverityWarning, Status: domain.ItemPassed},
		{Name: "changelog_written", Importance: domain.SeverityInfo, Status: domain.ItemPassed},
	}
	got := Score(items)
	if got.OverallStatus != domain.NotReady {
		t.Fatalf("status = %s, want not_ready", got.OverallStatus)
	}
	if len(got.Blockers) != 1 {
		t.Fatalf("blockers = %d, want 1", len(got.Blockers))
	}
	// 15 of 45 earned
	want := float64(15) / 45 * 100
	if got.ReadinessScore != want {
		t.Fatalf("readiness = %v, want %v", got.ReadinessScore, want)
	}
}

func TestPendingCriticalIsBlocking(t *testing.T) {
	items := []domain.ChecklistItem{
		{Name: "domain_configured", Importance: domain.SeverityCritical, Status: domain.ItemPending},
	}
	got := Score(items)
	if got.OverallStatus != domain.NotReady {
		t.Fatalf("pending critical should be not_ready, got %s", got.OverallStatus)
	}
}

func TestFailedOptionalIsOnlyWarning(t *testing.T) {
	items := []domain.ChecklistItem{
		{Name: "smoke_tests_passed", Importance: domain.SeverityBlocker, Status: domain.ItemPassed},
		{Name: "changelog_written", Importance: domain.SeverityInfo, Status: domain.ItemFailed},
	}
	got := Score(items)
	if got.OverallStatus != domain.ReadyWithWarnings {
		t.Fatalf("status = %s, want ready_with_warnings", got.OverallStatus)
	}
	if len(got.Blockers) != 0 {
		t.Fatalf("optional failure must not be a blocker")
	}
}

func TestAllPassedIsReady(t *testing.T) {
	items := []domain.ChecklistItem{
		{Name: "a", Importance: domain.SeverityBlocker, Status: domain.ItemPassed},
		{Name: "b", Importance: domain.SeverityInfo, Status: domain.ItemPassed},
	}
	got := Score(items)
	if got.OverallStatus != domain.Ready || got.ReadinessScore != 100 {
		t.Fatalf("got %s / %v, want ready / 100", got.OverallStatus, got.ReadinessScore)
	}
}

func TestEmptyChecklist(t *testing.T) {
	got := Score(nil)
	if got.OverallStatus != domain.Ready || got.ReadinessScore != 0 {
		t.Fatalf("empty checklist: got %s / %v", got.OverallStatus, got.ReadinessScore)
	}
}
