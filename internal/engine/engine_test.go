package engine_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/migrate"
	"shipline/internal/stage"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	if mutate != nil {
		mutate(cfg)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "demo", "test project"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createSession(t *testing.T, opts engine.SessionCreateOptions) domain.DeliverySession {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	s, err := env.Engine.CreateSession(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (env testEnv) complete(t *testing.T, sessionID string) domain.DeliverySession {
	t.Helper()
	s, err := env.Engine.CompleteStage(env.Ctx, sessionID, nil)
	if err != nil {
		t.Fatalf("complete stage: %v", err)
	}
	return s
}

func TestCreateSessionStartsAtQueued(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{ProductURL: "https://demo.test"})

	if s.CurrentStage != domain.StageQueued {
		t.Fatalf("current stage = %s, want queued", s.CurrentStage)
	}
	if s.Status != domain.SessionActive {
		t.Fatalf("status = %s, want active", s.Status)
	}
	if s.OverallProgress != 0 {
		t.Fatalf("progress = %d, want 0", s.OverallProgress)
	}
	first := s.StageNamed(domain.StageQueued)
	if first.Status != domain.StageRunning || first.StartedAt == nil {
		t.Fatalf("queued stage should be running, got %+v", first)
	}
	if s.StageNamed(domain.StageBuilding).Status != domain.StagePending {
		t.Fatal("later stages should be pending")
	}
}

func TestCreateSessionRejectsUnskippableSkip(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectID:  "proj-1",
		SkipStages: []domain.Stage{domain.StageDeploying},
	})
	if err == nil {
		t.Fatal("deploying must not be skippable")
	}
}

func TestCompleteStageProgressIsMonotonic(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{})

	last := s.OverallProgress
	// queued, preparing, building completed: 5 + 10 + 20.
	wantAfter := []int{5, 15, 35}
	for i, want := range wantAfter {
		s = env.complete(t, s.ID)
		if s.OverallProgress != want {
			t.Fatalf("progress after stage %d = %d, want %d", i+1, s.OverallProgress, want)
		}
		if s.OverallProgress < last {
			t.Fatalf("progress went backwards: %d -> %d", last, s.OverallProgress)
		}
		last = s.OverallProgress
	}
	if s.CurrentStage != domain.StageTesting {
		t.Fatalf("current stage = %s, want testing", s.CurrentStage)
	}
}

func TestConfigSkippedStagesAreWalkedPast(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{
		SkipStages: []domain.Stage{domain.StageTesting},
	})
	for i := 0; i < 3; i++ { // queued, preparing, building
		s = env.complete(t, s.ID)
	}
	if s.CurrentStage != domain.StageDeploying {
		t.Fatalf("current stage = %s, want deploying past skipped testing", s.CurrentStage)
	}
	if s.StageNamed(domain.StageTesting).Status != domain.StageSkipped {
		t.Fatal("testing should be marked skipped")
	}
	// Skipped stages still count toward elapsed progress.
	if s.OverallProgress != 50 {
		t.Fatalf("progress = %d, want 50", s.OverallProgress)
	}
}

func TestFullRunCompletesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{})
	for i := 0; i < 9; i++ {
		s = env.complete(t, s.ID)
	}
	if s.Status != domain.SessionCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	if s.OverallProgress != 100 {
		t.Fatalf("progress = %d, want 100", s.OverallProgress)
	}
	if s.CompletedAt == nil {
		t.Fatal("completed_at should be set")
	}
}

func TestNonSkippableFailureEndsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{})
	s = env.complete(t, s.ID) // queued
	s = env.complete(t, s.ID) // preparing

	s, err := env.Engine.FailStage(env.Ctx, s.ID, "compiler exited 1")
	if err != nil {
		t.Fatalf("fail stage: %v", err)
	}
	if s.Status != domain.SessionFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
	if s.LastError != "compiler exited 1" {
		t.Fatalf("last error = %q", s.LastError)
	}
	// queued (5) + preparing (10) completed, building failed, the six
	// stages after it skipped: 100 minus building's 20.
	if s.OverallProgress != 80 {
		t.Fatalf("progress = %d, want 80", s.OverallProgress)
	}
	for _, si := range s.Stages {
		if stageIndexAfter(si.Stage, domain.StageBuilding) && si.Status != domain.StageSkipped {
			t.Fatalf("stage %s = %s, want skipped after terminal failure", si.Stage, si.Status)
		}
	}
	if _, err := env.Engine.CompleteStage(env.Ctx, s.ID, nil); err == nil {
		t.Fatal("failed session should not advance")
	}
}

func stageIndexAfter(s, after domain.Stage) bool {
	return stage.Index(s) > stage.Index(after)
}

func TestRetryReopensStagesSkippedByFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{})
	s = env.complete(t, s.ID) // queued
	s = env.complete(t, s.ID) // preparing

	s, err := env.Engine.FailStage(env.Ctx, s.ID, "compiler exited 1")
	if err != nil {
		t.Fatalf("fail stage: %v", err)
	}
	if s.OverallProgress != 80 {
		t.Fatalf("progress after failure = %d, want 80", s.OverallProgress)
	}

	s, err = env.Engine.RetryStage(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	for _, si := range s.Stages {
		if stageIndexAfter(si.Stage, domain.StageBuilding) && si.Status != domain.StagePending {
			t.Fatalf("stage %s = %s, want pending again after retry", si.Stage, si.Status)
		}
	}
	if s.OverallProgress != 15 {
		t.Fatalf("progress after retry = %d, want 15", s.OverallProgress)
	}

	for s.Status == domain.SessionActive {
		s = env.complete(t, s.ID)
	}
	if s.Status != domain.SessionCompleted || s.OverallProgress != 100 {
		t.Fatalf("session = %s progress %d, want completed at 100", s.Status, s.OverallProgress)
	}
}

func TestSkippableFailureYieldsPartialVerdict(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{})
	for i := 0; i < 3; i++ { // through building
		s = env.complete(t, s.ID)
	}
	s, err := env.Engine.FailStage(env.Ctx, s.ID, "suite flaked")
	if err != nil {
		t.Fatalf("fail testing: %v", err)
	}
	if s.Status != domain.SessionActive {
		t.Fatalf("status = %s, want active after skippable failure", s.Status)
	}
	if s.CurrentStage != domain.StageDeploying {
		t.Fatalf("current stage = %s, want deploying", s.CurrentStage)
	}
	for s.Status == domain.SessionActive {
		s = env.complete(t, s.ID)
	}
	if s.Status != domain.SessionPartial {
		t.Fatalf("verdict = %s, want partial", s.Status)
	}
}

func TestRetryBudgetIsEnforced(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Delivery.MaxRetries = 1
	})
	s := env.createSession(t, engine.SessionCreateOptions{})
	s = env.complete(t, s.ID) // queued
	s = env.complete(t, s.ID) // preparing

	s, err := env.Engine.FailStage(env.Ctx, s.ID, "build failed")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	s, err = env.Engine.RetryStage(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("first retry: %v", err)
	}
	if s.Status != domain.SessionActive {
		t.Fatalf("status = %s, want active after retry", s.Status)
	}
	stageInfo := s.StageNamed(domain.StageBuilding)
	if stageInfo.Status != domain.StageRunning || stageInfo.RetryCount != 1 {
		t.Fatalf("building = %+v, want running with retry_count 1", stageInfo)
	}

	if _, err := env.Engine.FailStage(env.Ctx, s.ID, "build failed again"); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if _, err := env.Engine.RetryStage(env.Ctx, s.ID); err == nil {
		t.Fatal("retry past the budget should fail")
	}
}

func TestRollbackRewindsSessionAndProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{})
	for i := 0; i < 6; i++ { // through verifying
		s = env.complete(t, s.ID)
	}
	before := s.OverallProgress

	s, err := env.Engine.RollbackStage(env.Ctx, s.ID, domain.StageDeploying)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if s.CurrentStage != domain.StageDeploying {
		t.Fatalf("current stage = %s, want deploying", s.CurrentStage)
	}
	if s.StageNamed(domain.StageDeploying).Status != domain.StageRolledBack {
		t.Fatal("deploying should be rolled_back")
	}
	if s.StageNamed(domain.StageVerifying).Status != domain.StagePending {
		t.Fatal("stages after the rollback point should reset to pending")
	}
	if s.OverallProgress >= before {
		t.Fatalf("progress = %d, should drop below %d", s.OverallProgress, before)
	}

	// A rolled back stage reruns through retry.
	s, err = env.Engine.RetryStage(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
	if s.StageNamed(domain.StageDeploying).Status != domain.StageRunning {
		t.Fatal("deploying should be running again")
	}
}

func TestRollbackRejectsUnsupportedStage(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{})
	if _, err := env.Engine.RollbackStage(env.Ctx, s.ID, domain.StageBuilding); err == nil {
		t.Fatal("building must not be rollbackable")
	}
}

func TestCancelSession(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{})
	s = env.complete(t, s.ID)

	s, err := env.Engine.CancelSession(env.Ctx, s.ID, "customer postponed launch")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if s.Status != domain.SessionCancelled {
		t.Fatalf("status = %s, want cancelled", s.Status)
	}
	if si := s.StageNamed(domain.StagePreparing); si.Status != domain.StageFailed {
		t.Fatalf("running stage should be failed on cancel, got %s", si.Status)
	}
	if _, err := env.Engine.CompleteStage(env.Ctx, s.ID, nil); err == nil {
		t.Fatal("cancelled session should not advance")
	}
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{})
	s, err := env.Engine.PauseSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if s.Status != domain.SessionPaused {
		t.Fatalf("status = %s, want paused", s.Status)
	}
	if _, err := env.Engine.CompleteStage(env.Ctx, s.ID, nil); err == nil {
		t.Fatal("paused session should not advance")
	}
	if _, err := env.Engine.ResumeSession(env.Ctx, s.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.createSession(t, engine.SessionCreateOptions{
		ProductURL: "https://demo.test",
		SkipStages: []domain.Stage{domain.StageNotifying},
		Outputs:    map[string]string{"build_ref": "rel-42"},
	})
	s, err := env.Engine.CompleteStage(env.Ctx, s.ID, map[string]string{"artifact": "app.tar.gz"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !reflect.DeepEqual(got, s) {
		t.Fatalf("round trip mismatch:\n stored %+v\n loaded %+v", s, got)
	}
	if got.Outputs["artifact"] != "app.tar.gz" || got.Outputs["build_ref"] != "rel-42" {
		t.Fatalf("outputs = %v", got.Outputs)
	}
	if !got.Config.Skips(domain.StageNotifying) {
		t.Fatal("session config should keep the skip list")
	}
}
