// Package acceptance drives the timeout-bounded customer sign-off that
// follows delivery. All schedule movement happens through conditional
// UPDATEs so concurrent sweeps never double-fire a transition.
package acceptance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/repo"
)

// Clock owns acceptance session scheduling for one project config.
type Clock struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config domain.AcceptanceConfig
	Now    func() time.Time
}

func New(db *sql.DB, cfg domain.AcceptanceConfig) Clock {
	return Clock{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (c Clock) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Open records a pending acceptance window for a delivery session. No
// deadline exists yet; the customer clock starts ticking in Activate.
func (c Clock) Open(ctx context.Context, sessionID, projectID string, items []domain.AcceptanceCheckItem) (domain.AcceptanceSession, error) {
	created := c.now().UTC().Format(time.RFC3339)
	a := domain.AcceptanceSession{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		ProjectID:  projectID,
		Status:     domain.AcceptancePending,
		CheckItems: items,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := c.Repo.InsertAcceptanceTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := c.Events.Append(ctx, tx, "acceptance.opened", events.LevelInfo, sessionID, projectID, "acceptance",
		"acceptance window opened, awaiting activation", events.EventPayload{
			"acceptance_id": a.ID,
		}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// Activate moves a pending window to active and fixes its expiry at
// now plus the configured timeout. Later status changes never move the
// expiry. The pending-to-active claim is conditional, so a window
// cannot activate twice.
func (c Clock) Activate(ctx context.Context, id string) (domain.AcceptanceSession, error) {
	now := c.now()
	won, err := c.Repo.TransitionAcceptance(ctx, id,
		[]domain.AcceptanceStatus{domain.AcceptancePending}, domain.AcceptanceActive, now)
	if err != nil {
		return domain.AcceptanceSession{}, err
	}
	if !won {
		current, gerr := c.Repo.GetAcceptance(ctx, id)
		if gerr != nil {
			return domain.AcceptanceSession{}, gerr
		}
		return current, fmt.Errorf("acceptance %s is already %s", id, current.Status)
	}
	a, err := c.Repo.GetAcceptance(ctx, id)
	if err != nil {
		return a, err
	}
	started := now.UTC().Format(time.RFC3339)
	expires := now.Add(time.Duration(c.Config.TimeoutMinutes) * time.Minute).UTC().Format(time.RFC3339)
	a.StartedAt = &started
	a.ExpiresAt = &expires
	a.UpdatedAt = started
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateAcceptanceTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := c.Events.Append(ctx, tx, "acceptance.started", events.LevelInfo, a.SessionID, a.ProjectID, "acceptance",
		fmt.Sprintf("acceptance window open until %s", expires), events.EventPayload{
			"acceptance_id":   a.ID,
			"timeout_minutes": c.Config.TimeoutMinutes,
		}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// Start opens and immediately activates the window. Delivery reaching
// the acceptance stage uses this; the two-step Open/Activate path is
// for callers that stage the hand-off.
func (c Clock) Start(ctx context.Context, sessionID, projectID string, items []domain.AcceptanceCheckItem) (domain.AcceptanceSession, error) {
	a, err := c.Open(ctx, sessionID, projectID, items)
	if err != nil {
		return a, err
	}
	return c.Activate(ctx, a.ID)
}

var openStatuses = []domain.AcceptanceStatus{
	domain.AcceptanceActive, domain.AcceptanceWarning, domain.AcceptanceFinalWarning,
}

// Sign records a customer pass. Fails if the session already reached a
// terminal state, including auto_passed by a racing sweep.
func (c Clock) Sign(ctx context.Context, id string, sig domain.AcceptanceSignature, items []domain.AcceptanceCheckItem) (domain.AcceptanceSession, error) {
	if sig.SatisfactionScore < 1 || sig.SatisfactionScore > 5 {
		return domain.AcceptanceSession{}, fmt.Errorf("satisfaction score must be between 1 and 5, got %d", sig.SatisfactionScore)
	}
	return c.finish(ctx, id, domain.AcceptancePassed, "acceptance.signed", events.LevelInfo,
		fmt.Sprintf("signed by %s (score %d)", sig.SignedBy, sig.SatisfactionScore),
		func(a *domain.AcceptanceSession) {
			sig.SignedAt = c.now().UTC().Format(time.RFC3339)
			a.Signature = &sig
			if items != nil {
				a.CheckItems = items
			}
		})
}

// Reject records a customer refusal along with the reported problems.
func (c Clock) Reject(ctx context.Context, id, rejectedBy string, issues []string) (domain.AcceptanceSession, error) {
	return c.finish(ctx, id, domain.AcceptanceRejected, "acceptance.rejected", events.LevelWarning,
		fmt.Sprintf("rejected by %s", rejectedBy),
		func(a *domain.AcceptanceSession) {
			a.Issues = issues
		})
}

// Escalate hands the session to a human owner, freezing the schedule.
func (c Clock) Escalate(ctx context.Context, id, reason string) (domain.AcceptanceSession, error) {
	return c.finish(ctx, id, domain.AcceptanceEscalated, "acceptance.escalated", events.LevelCritical, reason, nil)
}

func (c Clock) finish(ctx context.Context, id string, to domain.AcceptanceStatus, evtType, level, message string, mutate func(*domain.AcceptanceSession)) (domain.AcceptanceSession, error) {
	won, err := c.Repo.TransitionAcceptance(ctx, id, openStatuses, to, c.now())
	if err != nil {
		return domain.AcceptanceSession{}, err
	}
	if !won {
		current, gerr := c.Repo.GetAcceptance(ctx, id)
		if gerr != nil {
			return domain.AcceptanceSession{}, gerr
		}
		return current, fmt.Errorf("acceptance %s is already %s", id, current.Status)
	}
	a, err := c.Repo.GetAcceptance(ctx, id)
	if err != nil {
		return a, err
	}
	if mutate != nil {
		mutate(&a)
	}
	// Terminal sessions drop off the sweep schedule.
	a.ExpiresAt = nil
	a.UpdatedAt = c.now().UTC().Format(time.RFC3339)
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateAcceptanceTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := c.Events.Append(ctx, tx, evtType, level, a.SessionID, a.ProjectID, "acceptance", message, events.EventPayload{
		"acceptance_id": a.ID,
		"status":        a.Status,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// ExpiringSoon lists open sessions whose deadline falls within the
// given horizon.
func (c Clock) ExpiringSoon(ctx context.Context, within time.Duration) ([]domain.AcceptanceSession, error) {
	return c.Repo.ListAcceptanceDue(ctx, openStatuses, c.now().Add(within))
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Warned      []string
	FinalWarned []string
	AutoPassed  []string
	Escalated   []string
}

// Sweep advances every due session one step: open sessions near the
// deadline move to warning then final_warning, and sessions past the
// deadline close as auto_passed or escalated depending on config. Each
// step is claimed with a conditional update, so a session already moved
// by another worker is skipped silently.
func (c Clock) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := c.now()

	expired, err := c.Repo.ListAcceptanceDue(ctx, openStatuses, now)
	if err != nil {
		return res, err
	}
	for _, a := range expired {
		if err := c.closeExpired(ctx, a, &res); err != nil {
			return res, err
		}
	}

	finalDue, err := c.Repo.ListAcceptanceDue(ctx,
		[]domain.AcceptanceStatus{domain.AcceptanceActive, domain.AcceptanceWarning},
		now.Add(time.Duration(c.Config.FinalWarningMinutes)*time.Minute))
	if err != nil {
		return res, err
	}
	for _, a := range finalDue {
		won, err := c.Repo.TransitionAcceptance(ctx, a.ID,
			[]domain.AcceptanceStatus{domain.AcceptanceActive, domain.AcceptanceWarning},
			domain.AcceptanceFinalWarning, now)
		if err != nil {
			return res, err
		}
		if won {
			res.FinalWarned = append(res.FinalWarned, a.ID)
			if err := c.noteTransition(ctx, a, domain.AcceptanceFinalWarning, "acceptance.final_warning", events.LevelWarning, "acceptance deadline imminent"); err != nil {
				return res, err
			}
		}
	}

	warnDue, err := c.Repo.ListAcceptanceDue(ctx,
		[]domain.AcceptanceStatus{domain.AcceptanceActive},
		now.Add(time.Duration(c.Config.WarningMinutes)*time.Minute))
	if err != nil {
		return res, err
	}
	for _, a := range warnDue {
		won, err := c.Repo.TransitionAcceptance(ctx, a.ID,
			[]domain.AcceptanceStatus{domain.AcceptanceActive},
			domain.AcceptanceWarning, now)
		if err != nil {
			return res, err
		}
		if won {
			res.Warned = append(res.Warned, a.ID)
			if err := c.noteTransition(ctx, a, domain.AcceptanceWarning, "acceptance.warning", events.LevelWarning, "acceptance deadline approaching"); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (c Clock) closeExpired(ctx context.Context, a domain.AcceptanceSession, res *SweepResult) error {
	to := domain.AcceptanceEscalated
	evtType, level, msg := "acceptance.escalated", events.LevelCritical, "acceptance window expired without sign-off"
	if c.Config.AutoPassOnExpiry {
		to = domain.AcceptanceAutoPassed
		evtType, level, msg = "acceptance.auto_passed", events.LevelInfo, "acceptance window expired, auto-passing"
	}
	won, err := c.Repo.TransitionAcceptance(ctx, a.ID, openStatuses, to, c.now())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	switch to {
	case domain.AcceptanceAutoPassed:
		res.AutoPassed = append(res.AutoPassed, a.ID)
	default:
		res.Escalated = append(res.Escalated, a.ID)
	}
	return c.noteTransition(ctx, a, to, evtType, level, msg)
}

func (c Clock) noteTransition(ctx context.Context, a domain.AcceptanceSession, to domain.AcceptanceStatus, evtType, level, message string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Events.Append(ctx, tx, evtType, level, a.SessionID, a.ProjectID, "acceptance", message, events.EventPayload{
		"acceptance_id": a.ID,
		"status":        to,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
