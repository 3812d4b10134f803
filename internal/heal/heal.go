// Package heal maps failing checks to bounded remediation actions.
// Attempt counting is scoped per issue; the cooldown table is shared
// keyed state claimed atomically so two concurrent callers cannot both
// fire the same action for the same project.
package heal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shipline/internal/check"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/repo"
)

// Action is one remediation an external platform can perform. Actions
// are idempotent-but-not-guaranteed; the engine never assumes they are
// transactional.
type Action interface {
	Name() string
	Execute(ctx context.Context, projectID string) error
}

// ManualInterventionError marks an action failure that automation must
// not retry.
type ManualInterventionError struct {
	Err error
}

func (e ManualInterventionError) Error() string { return e.Err.Error() }
func (e ManualInterventionError) Unwrap() error { return e.Err }

// FuncAction adapts a function into an Action.
type FuncAction struct {
	ActionName string
	Fn         func(ctx context.Context, projectID string) error
}

func (a FuncAction) Name() string { return a.ActionName }
func (a FuncAction) Execute(ctx context.Context, projectID string) error {
	return a.Fn(ctx, projectID)
}

// Engine executes healing strategies against a project's open issues.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Strategies []config.StrategyConfig
	Actions    map[string]Action
	Now        func() time.Time
}

func New(db *sql.DB, strategies []config.StrategyConfig, actions map[string]Action) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Strategies: strategies,
		Actions:    actions,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// matchStrategy returns the first strategy whose check type matches and
// whose condition holds for the observed status.
func (e Engine) matchStrategy(checkType string, status domain.CheckStatus) *config.StrategyConfig {
	for i, s := range e.Strategies {
		if s.CheckType != checkType {
			continue
		}
		if conditionMatches(s.Condition, status) {
			return &e.Strategies[i]
		}
	}
	return nil
}

func conditionMatches(condition string, status domain.CheckStatus) bool {
	switch condition {
	case "warning":
		return status == domain.CheckWarning || status == domain.CheckCritical
	case "critical":
		return status == domain.CheckCritical
	}
	return false
}

// AttemptFix tries one automatic remediation for an open issue.
// Returns nil without error when no strategy matches, the cooldown
// suppresses the attempt, or the attempt budget is exhausted.
func (e Engine) AttemptFix(ctx context.Context, projectID string, issue domain.Issue, result check.Result) (*domain.AutoFixAttempt, error) {
	if issue.Status == domain.IssueEscalated || issue.Status == domain.IssueResolved {
		return nil, nil
	}
	strategy := e.matchStrategy(issue.CheckType, result.Status)
	if strategy == nil {
		return nil, nil
	}
	action, ok := e.Actions[strategy.Action]
	if !ok {
		return nil, fmt.Errorf("no action registered for %s", strategy.Action)
	}

	// Atomic check-and-record: the claim writes the cooldown timestamp
	// whether or not the action later succeeds.
	now := e.now()
	cooldown := time.Duration(strategy.CooldownMinutes) * time.Minute
	won, err := e.Repo.ClaimCooldown(ctx, projectID, strategy.Action, now, cooldown)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}

	prior, err := e.Repo.CountAttemptsForIssue(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	if prior >= strategy.MaxAttempts {
		if err := e.escalate(ctx, issue, "attempt budget exhausted"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	timeout := time.Duration(strategy.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	execErr := action.Execute(actionCtx, projectID)
	cancel()
	ended := e.now()

	attempt := domain.AutoFixAttempt{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		IssueID:   issue.ID,
		CheckType: issue.CheckType,
		Action:    strategy.Action,
		Success:   execErr == nil,
		StartedAt: now.UTC().Format(time.RFC3339),
		EndedAt:   ended.UTC().Format(time.RFC3339),
	}
	if execErr != nil {
		attempt.Detail = execErr.Error()
	}

	issue.FixAttempts = prior + 1
	issue.UpdatedAt = ended.UTC().Format(time.RFC3339)
	level := events.LevelInfo
	switch {
	case execErr == nil:
		issue.Status = domain.IssueResolved
		issue.AutoFixed = true
		resolved := issue.UpdatedAt
		issue.ResolvedAt = &resolved
	case errors.As(execErr, &ManualInterventionError{}):
		issue.Status = domain.IssueEscalated
		level = events.LevelCritical
	case issue.FixAttempts >= strategy.MaxAttempts:
		issue.Status = domain.IssueEscalated
		level = events.LevelCritical
	default:
		issue.Status = domain.IssueOpen
		level = events.LevelWarning
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAttemptTx(ctx, tx, attempt); err != nil {
		return nil, err
	}
	if err := e.Repo.UpdateIssueTx(ctx, tx, issue); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "heal.attempt", level, "", projectID, "", fmt.Sprintf("%s on %s", strategy.Action, issue.CheckType), events.EventPayload{
		"issue_id":     issue.ID,
		"action":       strategy.Action,
		"success":      attempt.Success,
		"attempt":      issue.FixAttempts,
		"issue_status": issue.Status,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (e Engine) escalate(ctx context.Context, issue domain.Issue, reason string) error {
	issue.Status = domain.IssueEscalated
	issue.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateIssueTx(ctx, tx, issue); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "issue.escalated", events.LevelCritical, "", issue.ProjectID, "", reason, events.EventPayload{
		"issue_id":   issue.ID,
		"check_type": issue.CheckType,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReportCheck folds one monitoring observation into the issue table and
// triggers healing where a strategy applies. Healthy observations close
// any open issue for the check type.
func (e Engine) ReportCheck(ctx context.Context, projectID, checkType string, result check.Result) (*domain.AutoFixAttempt, error) {
	existing, err := e.Repo.FindOpenIssue(ctx, projectID, checkType)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	if result.Status == domain.CheckHealthy {
		if err == nil {
			return nil, e.resolveManually(ctx, existing, "check recovered")
		}
		return nil, nil
	}

	if errors.Is(err, repo.ErrNotFound) {
		existing, err = e.openIssue(ctx, projectID, checkType, result)
		if err != nil {
			return nil, err
		}
	}
	return e.AttemptFix(ctx, projectID, existing, result)
}

func (e Engine) openIssue(ctx context.Context, projectID, checkType string, result check.Result) (domain.Issue, error) {
	now := e.now().UTC().Format(time.RFC3339)
	issue := domain.Issue{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		CheckType: checkType,
		Severity:  result.Status,
		Status:    domain.IssueOpen,
		Message:   result.Observation,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return issue, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIssueTx(ctx, tx, issue); err != nil {
		return issue, err
	}
	level := events.LevelWarning
	if result.Status == domain.CheckCritical {
		level = events.LevelCritical
	}
	if err := e.Events.Append(ctx, tx, "issue.opened", level, "", projectID, "", result.Observation, events.EventPayload{
		"issue_id":   issue.ID,
		"check_type": checkType,
		"severity":   result.Status,
	}); err != nil {
		return issue, err
	}
	if err := tx.Commit(); err != nil {
		return issue, err
	}
	return issue, nil
}

func (e Engine) resolveManually(ctx context.Context, issue domain.Issue, reason string) error {
	now := e.now().UTC().Format(time.RFC3339)
	issue.Status = domain.IssueResolved
	issue.UpdatedAt = now
	issue.ResolvedAt = &now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateIssueTx(ctx, tx, issue); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "issue.resolved", events.LevelInfo, "", issue.ProjectID, "", reason, events.EventPayload{
		"issue_id":   issue.ID,
		"check_type": issue.CheckType,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
