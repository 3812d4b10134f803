// Package engine owns delivery session lifecycle: creation, stage
// sequencing, retries, rollback and cancellation. Every mutation runs
// in a single transaction with its audit events.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/repo"
	"shipline/internal/stage"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitProject creates the project row and seeds its config.
func (e Engine) InitProject(ctx context.Context, projectID, name, description string) (domain.Project, error) {
	if name == "" {
		name = projectID
	}
	p := domain.Project{
		ID:          projectID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.nowStr(),
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("seed project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", events.LevelInfo, "", p.ID, "", "project initialized", events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// SessionCreateOptions are parameters for opening a delivery session.
type SessionCreateOptions struct {
	ID         string
	ProjectID  string
	ProductURL string
	SkipStages []domain.Stage
	Outputs    map[string]string
}

// CreateSession opens a session at the head of the pipeline. The first
// stage starts running immediately; everything else is pending.
func (e Engine) CreateSession(ctx context.Context, opts SessionCreateOptions) (domain.DeliverySession, error) {
	if e.Config == nil {
		return domain.DeliverySession{}, errors.New("config not loaded")
	}
	if opts.ProjectID == "" {
		return domain.DeliverySession{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.DeliverySession{}, err
	}
	for _, s := range opts.SkipStages {
		if !stage.Valid(s) {
			return domain.DeliverySession{}, fmt.Errorf("unknown stage %s", s)
		}
		if !stage.Skippable(s) {
			return domain.DeliverySession{}, fmt.Errorf("stage %s cannot be skipped", s)
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	cfg := e.Config.SessionConfig(opts.ProductURL)
	cfg.SkipStages = append(cfg.SkipStages, opts.SkipStages...)

	s := domain.DeliverySession{
		ID:           id,
		ProjectID:    opts.ProjectID,
		CurrentStage: stage.Order[0],
		Status:       domain.SessionActive,
		Stages:       stage.NewStageInfos(),
		Outputs:      opts.Outputs,
		Config:       cfg,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	first := s.StageNamed(stage.Order[0])
	first.Status = domain.StageRunning
	first.StartedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "session.created", events.LevelInfo, s.ID, s.ProjectID, string(s.CurrentStage), "delivery session opened", events.EventPayload{
		"product_url": opts.ProductURL,
		"skip_stages": cfg.SkipStages,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// CompleteStage marks the current stage completed and moves the session
// forward, auto-skipping stages the session config excludes. Outputs
// merge into the session output map.
func (e Engine) CompleteStage(ctx context.Context, sessionID string, outputs map[string]string) (domain.DeliverySession, error) {
	return e.closeStage(ctx, sessionID, stage.OutcomeCompleted, "", outputs)
}

// FailStage marks the current stage failed. Skippable stages let the
// run continue toward a partial verdict; a non-skippable failure ends
// the session.
func (e Engine) FailStage(ctx context.Context, sessionID, stageErr string) (domain.DeliverySession, error) {
	return e.closeStage(ctx, sessionID, stage.OutcomeFailed, stageErr, nil)
}

// SkipStage records an operator decision to skip the current stage.
func (e Engine) SkipStage(ctx context.Context, sessionID string) (domain.DeliverySession, error) {
	return e.closeStage(ctx, sessionID, stage.OutcomeSkipped, "", nil)
}

func (e Engine) closeStage(ctx context.Context, sessionID string, outcome stage.Outcome, stageErr string, outputs map[string]string) (domain.DeliverySession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeliverySession{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionActive {
		return s, fmt.Errorf("session %s is %s, not active", s.ID, s.Status)
	}
	si := s.StageNamed(s.CurrentStage)
	if si == nil {
		return s, fmt.Errorf("session %s has no stage %s", s.ID, s.CurrentStage)
	}

	var target domain.StageStatus
	switch outcome {
	case stage.OutcomeCompleted:
		target = domain.StageCompleted
	case stage.OutcomeFailed:
		target = domain.StageFailed
	case stage.OutcomeSkipped:
		if !stage.Skippable(si.Stage) {
			return s, fmt.Errorf("stage %s cannot be skipped", si.Stage)
		}
		target = domain.StageSkipped
	default:
		return s, fmt.Errorf("unknown stage outcome %q", outcome)
	}
	if err := stage.EnsureTransition(si.Status, target); err != nil {
		return s, err
	}

	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	si.Status = target
	si.CompletedAt = &nowStr
	si.Error = stageErr
	if si.StartedAt != nil {
		if started, perr := time.Parse(time.RFC3339, *si.StartedAt); perr == nil {
			si.DurationMs = now.Sub(started).Milliseconds()
		}
	}
	if err := e.Repo.UpdateStageTx(ctx, tx, s.ID, *si); err != nil {
		return s, err
	}
	evtLevel := events.LevelInfo
	evtType := "stage." + string(target)
	if target == domain.StageFailed {
		evtLevel = events.LevelError
		s.LastError = stageErr
	}
	if err := e.Events.Append(ctx, tx, evtType, evtLevel, s.ID, s.ProjectID, string(si.Stage), stageErr, events.EventPayload{
		"duration_ms": si.DurationMs,
	}); err != nil {
		return s, err
	}

	if len(outputs) > 0 {
		if s.Outputs == nil {
			s.Outputs = map[string]string{}
		}
		for k, v := range outputs {
			s.Outputs[k] = v
		}
	}

	if target == domain.StageFailed && !stage.Skippable(si.Stage) {
		if err := e.skipRemainingTx(ctx, tx, &s, nowStr); err != nil {
			return s, err
		}
		if err := e.finishTx(ctx, tx, &s, nowStr); err != nil {
			return s, err
		}
	} else if err := e.advanceTx(ctx, tx, &s, nowStr); err != nil {
		return s, err
	}

	s.OverallProgress = maxProgress(s.OverallProgress, stage.Progress(s.Stages))
	s.UpdatedAt = nowStr
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// advanceTx moves CurrentStage to the next runnable stage, marking
// config-skipped stages skipped on the way. Reaching the end of the
// pipeline finalizes the session.
func (e Engine) advanceTx(ctx context.Context, tx *sql.Tx, s *domain.DeliverySession, nowStr string) error {
	next := stage.Next(s.CurrentStage)
	for next != "" {
		si := s.StageNamed(next)
		if si == nil {
			return fmt.Errorf("session %s has no stage %s", s.ID, next)
		}
		if !s.Config.Skips(next) {
			si.Status = domain.StageRunning
			si.StartedAt = &nowStr
			if err := e.Repo.UpdateStageTx(ctx, tx, s.ID, *si); err != nil {
				return err
			}
			s.CurrentStage = next
			return e.Events.Append(ctx, tx, "stage.started", events.LevelInfo, s.ID, s.ProjectID, string(next), "", nil)
		}
		si.Status = domain.StageSkipped
		si.CompletedAt = &nowStr
		if err := e.Repo.UpdateStageTx(ctx, tx, s.ID, *si); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "stage.skipped", events.LevelInfo, s.ID, s.ProjectID, string(next), "skipped by session config", nil); err != nil {
			return err
		}
		s.CurrentStage = next
		next = stage.Next(next)
	}
	return e.finishTx(ctx, tx, s, nowStr)
}

// skipRemainingTx marks every stage after the current one skipped when
// the session ends on a non-skippable failure. The stages will never
// run, so progress accounting treats them as walked past; RetryStage
// undoes this if the failed stage is reactivated.
func (e Engine) skipRemainingTx(ctx context.Context, tx *sql.Tx, s *domain.DeliverySession, nowStr string) error {
	idx := stage.Index(s.CurrentStage)
	for i := range s.Stages {
		if stage.Index(s.Stages[i].Stage) <= idx || s.Stages[i].Status != domain.StagePending {
			continue
		}
		s.Stages[i].Status = domain.StageSkipped
		s.Stages[i].CompletedAt = &nowStr
		if err := e.Repo.UpdateStageTx(ctx, tx, s.ID, s.Stages[i]); err != nil {
			return err
		}
	}
	return nil
}

// finishTx closes the session with the verdict derived from its stages.
func (e Engine) finishTx(ctx context.Context, tx *sql.Tx, s *domain.DeliverySession, nowStr string) error {
	s.Status = stage.Verdict(s.Stages)
	s.CompletedAt = &nowStr
	level := events.LevelInfo
	if s.Status == domain.SessionFailed {
		level = events.LevelError
	} else if s.Status == domain.SessionPartial {
		level = events.LevelWarning
	}
	return e.Events.Append(ctx, tx, "session."+string(s.Status), level, s.ID, s.ProjectID, string(s.CurrentStage), "", events.EventPayload{
		"progress": stage.Progress(s.Stages),
	})
}

// RetryStage reruns the current stage after a failure. A session that
// ended failed at this stage is reactivated. The retry budget comes
// from the session config.
func (e Engine) RetryStage(ctx context.Context, sessionID string) (domain.DeliverySession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeliverySession{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionActive && s.Status != domain.SessionFailed {
		return s, fmt.Errorf("cannot retry a %s session", s.Status)
	}
	si := s.StageNamed(s.CurrentStage)
	if si == nil {
		return s, fmt.Errorf("session %s has no stage %s", s.ID, s.CurrentStage)
	}
	if si.Status != domain.StageFailed && si.Status != domain.StageRolledBack {
		return s, fmt.Errorf("stage %s is %s, nothing to retry", si.Stage, si.Status)
	}
	if si.RetryCount >= s.Config.MaxRetries {
		return s, fmt.Errorf("stage %s exhausted its %d retries", si.Stage, s.Config.MaxRetries)
	}
	if err := stage.EnsureTransition(si.Status, domain.StageRunning); err != nil {
		return s, err
	}

	nowStr := e.nowStr()
	si.Status = domain.StageRunning
	si.StartedAt = &nowStr
	si.CompletedAt = nil
	si.DurationMs = 0
	si.RetryCount++
	si.Error = ""
	if err := e.Repo.UpdateStageTx(ctx, tx, s.ID, *si); err != nil {
		return s, err
	}

	// Stages the terminal failure marked skipped come back to pending:
	// the pipeline may reach them again. Progress drops accordingly;
	// this and rollback are the only paths where it decreases.
	idx := stage.Index(si.Stage)
	for i := range s.Stages {
		if stage.Index(s.Stages[i].Stage) <= idx || s.Stages[i].Status != domain.StageSkipped {
			continue
		}
		s.Stages[i].Status = domain.StagePending
		s.Stages[i].CompletedAt = nil
		if err := e.Repo.UpdateStageTx(ctx, tx, s.ID, s.Stages[i]); err != nil {
			return s, err
		}
	}

	s.Status = domain.SessionActive
	s.CompletedAt = nil
	s.LastError = ""
	s.OverallProgress = stage.Progress(s.Stages)
	s.UpdatedAt = nowStr
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "stage.retried", events.LevelWarning, s.ID, s.ProjectID, string(si.Stage), "", events.EventPayload{
		"retry_count": si.RetryCount,
		"max_retries": s.Config.MaxRetries,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// RollbackStage undoes a completed rollbackable stage and rewinds the
// session to it. This is the only operation that lowers progress.
func (e Engine) RollbackStage(ctx context.Context, sessionID string, target domain.Stage) (domain.DeliverySession, error) {
	if !stage.Rollbackable(target) {
		return domain.DeliverySession{}, fmt.Errorf("stage %s does not support rollback", target)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeliverySession{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status.Terminal() && s.Status != domain.SessionFailed && s.Status != domain.SessionPartial {
		return s, fmt.Errorf("cannot roll back a %s session", s.Status)
	}
	si := s.StageNamed(target)
	if si == nil {
		return s, fmt.Errorf("session %s has no stage %s", s.ID, target)
	}
	if err := stage.EnsureTransition(si.Status, domain.StageRolledBack); err != nil {
		return s, err
	}

	nowStr := e.nowStr()
	si.Status = domain.StageRolledBack
	si.CompletedAt = &nowStr
	if err := e.Repo.UpdateStageTx(ctx, tx, s.ID, *si); err != nil {
		return s, err
	}

	// Stages after the rollback point return to pending.
	idx := stage.Index(target)
	for i := range s.Stages {
		if stage.Index(s.Stages[i].Stage) <= idx {
			continue
		}
		if s.Stages[i].Status == domain.StagePending {
			continue
		}
		s.Stages[i].Status = domain.StagePending
		s.Stages[i].StartedAt = nil
		s.Stages[i].CompletedAt = nil
		s.Stages[i].DurationMs = 0
		s.Stages[i].Error = ""
		if err := e.Repo.UpdateStageTx(ctx, tx, s.ID, s.Stages[i]); err != nil {
			return s, err
		}
	}

	s.CurrentStage = target
	s.Status = domain.SessionActive
	s.CompletedAt = nil
	s.OverallProgress = stage.Progress(s.Stages)
	s.UpdatedAt = nowStr
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "stage.rolled_back", events.LevelWarning, s.ID, s.ProjectID, string(target), "", events.EventPayload{
		"progress": s.OverallProgress,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// CancelSession stops an active or paused session. The running stage is
// marked failed so the record shows where work stopped.
func (e Engine) CancelSession(ctx context.Context, sessionID, reason string) (domain.DeliverySession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeliverySession{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionActive && s.Status != domain.SessionPaused {
		return s, fmt.Errorf("cannot cancel a %s session", s.Status)
	}
	nowStr := e.nowStr()
	if si := s.StageNamed(s.CurrentStage); si != nil && si.Status == domain.StageRunning {
		si.Status = domain.StageFailed
		si.CompletedAt = &nowStr
		si.Error = "session cancelled"
		if err := e.Repo.UpdateStageTx(ctx, tx, s.ID, *si); err != nil {
			return s, err
		}
	}
	s.Status = domain.SessionCancelled
	s.CompletedAt = &nowStr
	s.UpdatedAt = nowStr
	if reason != "" {
		s.LastError = reason
	}
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "session.cancelled", events.LevelWarning, s.ID, s.ProjectID, string(s.CurrentStage), reason, nil); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// PauseSession suspends stage advancement.
func (e Engine) PauseSession(ctx context.Context, sessionID string) (domain.DeliverySession, error) {
	return e.setSessionStatus(ctx, sessionID, domain.SessionActive, domain.SessionPaused, "session.paused")
}

// ResumeSession reactivates a paused session.
func (e Engine) ResumeSession(ctx context.Context, sessionID string) (domain.DeliverySession, error) {
	return e.setSessionStatus(ctx, sessionID, domain.SessionPaused, domain.SessionActive, "session.resumed")
}

func (e Engine) setSessionStatus(ctx context.Context, sessionID string, from, to domain.SessionStatus, evtType string) (domain.DeliverySession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeliverySession{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status != from {
		return s, fmt.Errorf("session %s is %s, expected %s", s.ID, s.Status, from)
	}
	s.Status = to
	s.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, evtType, events.LevelInfo, s.ID, s.ProjectID, string(s.CurrentStage), "", nil); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func maxProgress(old, next int) int {
	if next < old {
		return old
	}
	return next
}
