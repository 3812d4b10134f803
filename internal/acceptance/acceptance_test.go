package acceptance_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"shipline/internal/acceptance"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/migrate"
	"shipline/internal/repo"
	"shipline/internal/stage"
)

type clockEnv struct {
	DB    *sql.DB
	Clock acceptance.Clock
	Now   *time.Time
	Ctx   context.Context
}

func testAcceptanceConfig() domain.AcceptanceConfig {
	return domain.AcceptanceConfig{
		TimeoutMinutes:      60,
		WarningMinutes:      30,
		FinalWarningMinutes: 10,
		AutoPassOnExpiry:    true,
	}
}

func newClockEnv(t *testing.T, cfg domain.AcceptanceConfig) *clockEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.InsertProjectTx(ctx, tx, domain.Project{
		ID: "proj-1", Name: "demo", Status: "active",
		CreatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := r.InsertSessionTx(ctx, tx, domain.DeliverySession{
		ID: "sess-1", ProjectID: "proj-1",
		CurrentStage: domain.StageAcceptance, OverallProgress: 95,
		Status: domain.SessionActive, Stages: stage.NewStageInfos(),
		CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	env := &clockEnv{DB: conn, Now: &now, Ctx: ctx}
	clock := acceptance.New(conn, cfg)
	clock.Now = func() time.Time { return *env.Now }
	env.Clock = clock
	return env
}

func TestStartSetsExpiry(t *testing.T) {
	env := newClockEnv(t, testAcceptanceConfig())
	a, err := env.Clock.Start(env.Ctx, "sess-1", "proj-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.Status != domain.AcceptanceActive {
		t.Fatalf("status = %s, want active", a.Status)
	}
	if a.ExpiresAt == nil || *a.ExpiresAt != "2024-01-02T10:00:00Z" {
		t.Fatalf("expires_at = %v, want 2024-01-02T10:00:00Z", a.ExpiresAt)
	}
}

func TestOpenThenActivate(t *testing.T) {
	env := newClockEnv(t, testAcceptanceConfig())
	a, err := env.Clock.Open(env.Ctx, "sess-1", "proj-1", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if a.Status != domain.AcceptancePending {
		t.Fatalf("status = %s, want pending", a.Status)
	}
	if a.StartedAt != nil || a.ExpiresAt != nil {
		t.Fatalf("pending window should have no schedule: started=%v expires=%v", a.StartedAt, a.ExpiresAt)
	}
	// A pending window cannot be signed off.
	if _, err := env.Clock.Sign(env.Ctx, a.ID, domain.AcceptanceSignature{
		SignedBy: "alice", SatisfactionScore: 5,
	}, nil); err == nil {
		t.Fatal("expected error signing a pending window")
	}

	a, err = env.Clock.Activate(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if a.Status != domain.AcceptanceActive {
		t.Fatalf("status = %s, want active", a.Status)
	}
	if a.ExpiresAt == nil || *a.ExpiresAt != "2024-01-02T10:00:00Z" {
		t.Fatalf("expires_at = %v, want 2024-01-02T10:00:00Z", a.ExpiresAt)
	}
	// The pending->active claim fires once.
	if _, err := env.Clock.Activate(env.Ctx, a.ID); err == nil {
		t.Fatal("expected error activating an active window")
	}
}

func TestSignRecordsSignature(t *testing.T) {
	env := newClockEnv(t, testAcceptanceConfig())
	a, err := env.Clock.Start(env.Ctx, "sess-1", "proj-1", []domain.AcceptanceCheckItem{
		{Name: "login works"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	signed, err := env.Clock.Sign(env.Ctx, a.ID, domain.AcceptanceSignature{
		SignedBy: "alice", SatisfactionScore: 5, Comment: "looks great",
	}, []domain.AcceptanceCheckItem{{Name: "login works", Checked: true}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Status != domain.AcceptancePassed {
		t.Fatalf("status = %s, want passed", signed.Status)
	}
	if signed.Signature == nil || signed.Signature.SignedBy != "alice" {
		t.Fatalf("signature not recorded: %+v", signed.Signature)
	}
	if signed.ExpiresAt != nil {
		t.Fatal("terminal session should leave the sweep schedule")
	}

	// A second sign on a closed session must fail.
	if _, err := env.Clock.Sign(env.Ctx, a.ID, domain.AcceptanceSignature{
		SignedBy: "bob", SatisfactionScore: 4,
	}, nil); err == nil {
		t.Fatal("expected error signing a closed session")
	}
}

func TestSignRejectsBadScore(t *testing.T) {
	env := newClockEnv(t, testAcceptanceConfig())
	a, err := env.Clock.Start(env.Ctx, "sess-1", "proj-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Clock.Sign(env.Ctx, a.ID, domain.AcceptanceSignature{
		SignedBy: "alice", SatisfactionScore: 6,
	}, nil); err == nil {
		t.Fatal("expected score validation error")
	}
}

func TestRejectKeepsIssueList(t *testing.T) {
	env := newClockEnv(t, testAcceptanceConfig())
	a, err := env.Clock.Start(env.Ctx, "sess-1", "proj-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rejected, err := env.Clock.Reject(env.Ctx, a.ID, "alice", []string{"checkout page 500s"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.AcceptanceRejected {
		t.Fatalf("status = %s, want rejected", rejected.Status)
	}
	if len(rejected.Issues) != 1 || rejected.Issues[0] != "checkout page 500s" {
		t.Fatalf("issues = %v", rejected.Issues)
	}
}

func TestSweepWalksWarningLadder(t *testing.T) {
	env := newClockEnv(t, testAcceptanceConfig())
	a, err := env.Clock.Start(env.Ctx, "sess-1", "proj-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	r := repo.Repo{DB: env.DB}

	// 35 minutes in: 25 remaining, inside the 30 minute warning band.
	*env.Now = env.Now.Add(35 * time.Minute)
	res, err := env.Clock.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Warned) != 1 {
		t.Fatalf("warned = %v, want one session", res.Warned)
	}
	got, _ := r.GetAcceptance(env.Ctx, a.ID)
	if got.Status != domain.AcceptanceWarning {
		t.Fatalf("status = %s, want warning", got.Status)
	}

	// 55 minutes in: 5 remaining, inside the 10 minute final band.
	*env.Now = env.Now.Add(20 * time.Minute)
	res, err = env.Clock.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.FinalWarned) != 1 {
		t.Fatalf("final warned = %v, want one session", res.FinalWarned)
	}
	got, _ = r.GetAcceptance(env.Ctx, a.ID)
	if got.Status != domain.AcceptanceFinalWarning {
		t.Fatalf("status = %s, want final_warning", got.Status)
	}
}

func TestSweepAutoPassIsIdempotent(t *testing.T) {
	env := newClockEnv(t, testAcceptanceConfig())
	a, err := env.Clock.Start(env.Ctx, "sess-1", "proj-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	*env.Now = env.Now.Add(61 * time.Minute)

	res, err := env.Clock.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if len(res.AutoPassed) != 1 || res.AutoPassed[0] != a.ID {
		t.Fatalf("auto passed = %v, want [%s]", res.AutoPassed, a.ID)
	}

	res, err = env.Clock.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(res.AutoPassed) != 0 {
		t.Fatalf("second sweep should be a no-op, got %v", res.AutoPassed)
	}
	got, _ := repo.Repo{DB: env.DB}.GetAcceptance(env.Ctx, a.ID)
	if got.Status != domain.AcceptanceAutoPassed {
		t.Fatalf("status = %s, want auto_passed", got.Status)
	}
}

func TestSweepEscalatesWhenAutoPassDisabled(t *testing.T) {
	cfg := testAcceptanceConfig()
	cfg.AutoPassOnExpiry = false
	env := newClockEnv(t, cfg)
	a, err := env.Clock.Start(env.Ctx, "sess-1", "proj-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	*env.Now = env.Now.Add(61 * time.Minute)
	res, err := env.Clock.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Escalated) != 1 || res.Escalated[0] != a.ID {
		t.Fatalf("escalated = %v, want [%s]", res.Escalated, a.ID)
	}
}

func TestExpiringSoonHorizon(t *testing.T) {
	env := newClockEnv(t, testAcceptanceConfig())
	if _, err := env.Clock.Start(env.Ctx, "sess-1", "proj-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	soon, err := env.Clock.ExpiringSoon(env.Ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("expiring soon: %v", err)
	}
	if len(soon) != 1 {
		t.Fatalf("within 2h = %d sessions, want 1", len(soon))
	}
	soon, err = env.Clock.ExpiringSoon(env.Ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("expiring soon: %v", err)
	}
	if len(soon) != 0 {
		t.Fatalf("within 10m = %d sessions, want 0", len(soon))
	}
}
