package engine_test

import (
	"context"
	"errors"
	"testing"

	"shipline/internal/check"
	"shipline/internal/config"
	"shipline/internal/deploy"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/notify"
)

type failingSender struct{ err error }

func (f failingSender) Send(ctx context.Context, n notify.Notification) error { return f.err }

func newOrchestrator(t *testing.T, env testEnv, exec check.Executor, sender notify.Sender) *engine.Orchestrator {
	t.Helper()
	if sender == nil {
		sender = notify.LogSender{}
	}
	return engine.NewOrchestrator(env.Engine, exec, deploy.NewLocal(t.TempDir()), sender)
}

func allChecklistPassed(cfg *config.Config) map[string]domain.ItemStatus {
	statuses := map[string]domain.ItemStatus{}
	for _, it := range cfg.Checklist.Items {
		statuses[it.Name] = domain.ItemPassed
	}
	return statuses
}

func TestRunFullDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	o := newOrchestrator(t, env, &check.StaticExecutor{}, nil)

	report, err := o.Run(env.Ctx, engine.RunOptions{
		ProjectID:         "proj-1",
		ProductURL:        "https://demo.test",
		ChecklistStatuses: allChecklistPassed(env.Engine.Config),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Blocked {
		t.Fatalf("run blocked: %s", report.BlockReason)
	}
	if report.Session == nil {
		t.Fatal("expected a session")
	}
	if report.Session.Status != domain.SessionCompleted {
		t.Fatalf("session status = %s, want completed", report.Session.Status)
	}
	if report.Session.OverallProgress != 100 {
		t.Fatalf("progress = %d, want 100", report.Session.OverallProgress)
	}
	if report.Session.Outputs["release_id"] == "" {
		t.Fatal("deploy should record a release id")
	}
	if report.AcceptanceID == "" {
		t.Fatal("acceptance window should have opened")
	}
	a, err := env.Engine.Repo.GetAcceptance(env.Ctx, report.AcceptanceID)
	if err != nil {
		t.Fatalf("get acceptance: %v", err)
	}
	if a.Status != domain.AcceptanceActive {
		t.Fatalf("acceptance status = %s, want active", a.Status)
	}
}

func TestRunBlockedByChecklist(t *testing.T) {
	env := newTestEnv(t, nil)
	o := newOrchestrator(t, env, &check.StaticExecutor{}, nil)

	// Every item pending: blockers remain unresolved.
	report, err := o.Run(env.Ctx, engine.RunOptions{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Blocked {
		t.Fatal("run should be blocked by the checklist")
	}
	if report.Session != nil {
		t.Fatal("no session should open on a blocked run")
	}
	if report.Checklist.OverallStatus != domain.NotReady {
		t.Fatalf("checklist status = %s, want not_ready", report.Checklist.OverallStatus)
	}
}

func TestRunBlockedByGate(t *testing.T) {
	env := newTestEnv(t, nil)
	exec := &check.StaticExecutor{Results: map[string]check.Result{
		"health": {Status: domain.CheckCritical, Observation: "connection refused"},
	}}
	o := newOrchestrator(t, env, exec, nil)

	report, err := o.Run(env.Ctx, engine.RunOptions{
		ProjectID:         "proj-1",
		ProductURL:        "https://demo.test",
		ChecklistStatuses: allChecklistPassed(env.Engine.Config),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Blocked {
		t.Fatal("failed health blocker should block delivery")
	}
	if report.Session != nil {
		t.Fatal("no session should open on a blocked run")
	}
	if len(report.Gate.Blockers) != 1 {
		t.Fatalf("gate blockers = %d, want 1", len(report.Gate.Blockers))
	}
}

func TestRunNotifyFailureYieldsPartial(t *testing.T) {
	env := newTestEnv(t, nil)
	o := newOrchestrator(t, env, &check.StaticExecutor{}, failingSender{err: errors.New("webhook down")})

	report, err := o.Run(env.Ctx, engine.RunOptions{
		ProjectID:         "proj-1",
		ProductURL:        "https://demo.test",
		ChecklistStatuses: allChecklistPassed(env.Engine.Config),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Session == nil {
		t.Fatal("expected a session")
	}
	if report.Session.Status != domain.SessionPartial {
		t.Fatalf("session status = %s, want partial after skippable notify failure", report.Session.Status)
	}
	if si := report.Session.StageNamed(domain.StageNotifying); si.Status != domain.StageFailed {
		t.Fatalf("notifying stage = %s, want failed", si.Status)
	}
	// The pipeline still ran to the end.
	if report.AcceptanceID == "" {
		t.Fatal("acceptance window should still open")
	}
}

func TestReportBundlesAcceptance(t *testing.T) {
	env := newTestEnv(t, nil)
	o := newOrchestrator(t, env, &check.StaticExecutor{}, nil)
	run, err := o.Run(env.Ctx, engine.RunOptions{
		ProjectID:         "proj-1",
		ProductURL:        "https://demo.test",
		ChecklistStatuses: allChecklistPassed(env.Engine.Config),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	report, err := env.Engine.Report(env.Ctx, run.Session.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Acceptance == nil || report.Acceptance.ID != run.AcceptanceID {
		t.Fatalf("report acceptance = %+v, want %s", report.Acceptance, run.AcceptanceID)
	}
	if len(report.Events) == 0 {
		t.Fatal("report should carry the session audit trail")
	}
	if report.Verdict != domain.SessionCompleted {
		t.Fatalf("verdict = %s, want completed", report.Verdict)
	}
}
