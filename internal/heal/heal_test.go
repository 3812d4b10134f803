package heal_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"shipline/internal/check"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/heal"
	"shipline/internal/migrate"
	"shipline/internal/repo"
)

type countingAction struct {
	name  string
	calls int
	err   error
}

func (a *countingAction) Name() string { return a.name }
func (a *countingAction) Execute(ctx context.Context, projectID string) error {
	a.calls++
	return a.err
}

type healEnv struct {
	DB     *sql.DB
	Engine heal.Engine
	Action *countingAction
	Clock  *time.Time
	Ctx    context.Context
}

func newHealEnv(t *testing.T, strategy config.StrategyConfig, actionErr error) *healEnv {
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
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertProjectTx(ctx, tx, domain.Project{
		ID: "proj-1", Name: "demo", Status: "active",
		CreatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	action := &countingAction{name: strategy.Action, err: actionErr}
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	eng := heal.New(conn, []config.StrategyConfig{strategy}, map[string]heal.Action{
		strategy.Action: action,
	})
	env := &healEnv{DB: conn, Action: action, Clock: &clock, Ctx: ctx}
	eng.Now = func() time.Time { return *env.Clock }
	env.Engine = eng
	return env
}

func (env *healEnv) openIssue(t *testing.T, checkType string, severity domain.CheckStatus) domain.Issue {
	t.Helper()
	issue := domain.Issue{
		ID: "iss-1", ProjectID: "proj-1", CheckType: checkType,
		Severity: severity, Status: domain.IssueOpen,
		Message:   "observed degradation",
		CreatedAt: "2024-01-01T12:00:00Z", UpdatedAt: "2024-01-01T12:00:00Z",
	}
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	r := repo.Repo{DB: env.DB}
	if err := r.InsertIssueTx(env.Ctx, tx, issue); err != nil {
		t.Fatalf("insert issue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return issue
}

func restartStrategy() config.StrategyConfig {
	return config.StrategyConfig{
		CheckType: check.TypeHealth, Condition: "critical",
		Action: "restart_service", CooldownMinutes: 10,
		MaxAttempts: 3, TimeoutSeconds: 30,
	}
}

func TestAttemptFixResolvesIssue(t *testing.T) {
	env := newHealEnv(t, restartStrategy(), nil)
	issue := env.openIssue(t, check.TypeHealth, domain.CheckCritical)

	attempt, err := env.Engine.AttemptFix(env.Ctx, "proj-1", issue, check.Result{Status: domain.CheckCritical})
	if err != nil {
		t.Fatalf("attempt fix: %v", err)
	}
	if attempt == nil || !attempt.Success {
		t.Fatalf("expected successful attempt, got %+v", attempt)
	}
	if env.Action.calls != 1 {
		t.Fatalf("action calls = %d, want 1", env.Action.calls)
	}

	got, err := repo.Repo{DB: env.DB}.GetIssue(env.Ctx, issue.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Status != domain.IssueResolved {
		t.Fatalf("issue status = %s, want resolved", got.Status)
	}
	if !got.AutoFixed {
		t.Fatal("issue should be marked auto fixed")
	}
	if got.ResolvedAt == nil {
		t.Fatal("resolved_at should be set")
	}
}

func TestCooldownSuppressesRepeatAttempts(t *testing.T) {
	env := newHealEnv(t, restartStrategy(), errors.New("restart timed out"))
	issue := env.openIssue(t, check.TypeHealth, domain.CheckCritical)
	result := check.Result{Status: domain.CheckCritical}

	first, err := env.Engine.AttemptFix(env.Ctx, "proj-1", issue, result)
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if first == nil {
		t.Fatal("first attempt should execute")
	}

	// Same clock instant, cooldown still in force.
	second, err := env.Engine.AttemptFix(env.Ctx, "proj-1", issue, result)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if second != nil {
		t.Fatalf("expected suppression inside cooldown, got %+v", second)
	}
	if env.Action.calls != 1 {
		t.Fatalf("action calls = %d, want 1", env.Action.calls)
	}
	count, err := repo.Repo{DB: env.DB}.CountAttemptsForIssue(env.Ctx, issue.ID)
	if err != nil {
		t.Fatalf("count attempts: %v", err)
	}
	if count != 1 {
		t.Fatalf("recorded attempts = %d, want 1", count)
	}

	*env.Clock = env.Clock.Add(11 * time.Minute)
	third, err := env.Engine.AttemptFix(env.Ctx, "proj-1", issue, result)
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if third == nil {
		t.Fatal("attempt should run once the cooldown elapses")
	}
	if env.Action.calls != 2 {
		t.Fatalf("action calls = %d, want 2", env.Action.calls)
	}
}

func TestMaxAttemptsEscalatesIssue(t *testing.T) {
	strategy := restartStrategy()
	strategy.MaxAttempts = 2
	env := newHealEnv(t, strategy, errors.New("still down"))
	issue := env.openIssue(t, check.TypeHealth, domain.CheckCritical)
	result := check.Result{Status: domain.CheckCritical}
	r := repo.Repo{DB: env.DB}

	for i := 0; i < 2; i++ {
		attempt, err := env.Engine.AttemptFix(env.Ctx, "proj-1", issue, result)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if attempt == nil || attempt.Success {
			t.Fatalf("attempt %d should execute and fail, got %+v", i+1, attempt)
		}
		issue, err = r.GetIssue(env.Ctx, issue.ID)
		if err != nil {
			t.Fatalf("get issue: %v", err)
		}
		*env.Clock = env.Clock.Add(11 * time.Minute)
	}
	if issue.Status != domain.IssueEscalated {
		t.Fatalf("issue status = %s, want escalated after final attempt", issue.Status)
	}
	if issue.FixAttempts != 2 {
		t.Fatalf("fix attempts = %d, want 2", issue.FixAttempts)
	}

	attempt, err := env.Engine.AttemptFix(env.Ctx, "proj-1", issue, result)
	if err != nil {
		t.Fatalf("post-escalation attempt: %v", err)
	}
	if attempt != nil {
		t.Fatalf("escalated issue should not be retried, got %+v", attempt)
	}
	if env.Action.calls != 2 {
		t.Fatalf("action calls = %d, want 2", env.Action.calls)
	}
}

func TestManualInterventionEscalatesImmediately(t *testing.T) {
	env := newHealEnv(t, restartStrategy(), heal.ManualInterventionError{Err: errors.New("disk replacement required")})
	issue := env.openIssue(t, check.TypeHealth, domain.CheckCritical)

	attempt, err := env.Engine.AttemptFix(env.Ctx, "proj-1", issue, check.Result{Status: domain.CheckCritical})
	if err != nil {
		t.Fatalf("attempt fix: %v", err)
	}
	if attempt == nil || attempt.Success {
		t.Fatalf("expected failed attempt, got %+v", attempt)
	}
	got, err := repo.Repo{DB: env.DB}.GetIssue(env.Ctx, issue.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Status != domain.IssueEscalated {
		t.Fatalf("issue status = %s, want escalated", got.Status)
	}
}

func TestConditionFiltersStrategy(t *testing.T) {
	env := newHealEnv(t, restartStrategy(), nil)
	issue := env.openIssue(t, check.TypeHealth, domain.CheckWarning)

	// Strategy condition is critical, a warning must not trigger it.
	attempt, err := env.Engine.AttemptFix(env.Ctx, "proj-1", issue, check.Result{Status: domain.CheckWarning})
	if err != nil {
		t.Fatalf("attempt fix: %v", err)
	}
	if attempt != nil {
		t.Fatalf("warning should not match a critical-only strategy, got %+v", attempt)
	}
	if env.Action.calls != 0 {
		t.Fatalf("action calls = %d, want 0", env.Action.calls)
	}
}

func TestReportCheckLifecycle(t *testing.T) {
	strategy := restartStrategy()
	strategy.Condition = "warning"
	env := newHealEnv(t, strategy, nil)
	r := repo.Repo{DB: env.DB}

	attempt, err := env.Engine.ReportCheck(env.Ctx, "proj-1", check.TypeHealth, check.Result{
		Status: domain.CheckWarning, Observation: "latency above threshold",
	})
	if err != nil {
		t.Fatalf("report degraded: %v", err)
	}
	if attempt == nil || !attempt.Success {
		t.Fatalf("expected healing attempt, got %+v", attempt)
	}

	// The successful fix already resolved the issue, a healthy report
	// afterwards must be a no-op.
	if _, err := env.Engine.ReportCheck(env.Ctx, "proj-1", check.TypeHealth, check.Result{Status: domain.CheckHealthy}); err != nil {
		t.Fatalf("report healthy: %v", err)
	}
	if _, err := r.FindOpenIssue(env.Ctx, "proj-1", check.TypeHealth); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no open issue, err = %v", err)
	}
}
