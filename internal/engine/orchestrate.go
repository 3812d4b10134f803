package engine

import (
	"context"
	"errors"
	"fmt"

	"shipline/internal/acceptance"
	"shipline/internal/check"
	"shipline/internal/checklist"
	"shipline/internal/deploy"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/gate"
	"shipline/internal/notify"
	"shipline/internal/repo"
)

// StepFunc performs the work of one pipeline stage. Returned outputs
// merge into the session output map.
type StepFunc func(ctx context.Context, s *domain.DeliverySession) (map[string]string, error)

// Orchestrator drives a delivery end to end: readiness checklist, the
// delivery gate, then the stage pipeline against the platform.
type Orchestrator struct {
	Engine   Engine
	Gate     gate.Evaluator
	Platform deploy.Platform
	Notifier notify.Sender
	Steps    map[domain.Stage]StepFunc
}

func NewOrchestrator(eng Engine, exec check.Executor, platform deploy.Platform, sender notify.Sender) *Orchestrator {
	o := &Orchestrator{
		Engine:   eng,
		Gate:     gate.New(exec),
		Platform: platform,
		Notifier: sender,
	}
	o.Gate.Now = eng.Now
	o.Steps = map[domain.Stage]StepFunc{
		domain.StageQueued:      o.stepNoop,
		domain.StagePreparing:   o.stepPrepare,
		domain.StageBuilding:    o.stepBuild,
		domain.StageTesting:     o.stepNoop,
		domain.StageDeploying:   o.stepDeploy,
		domain.StageVerifying:   o.stepVerify,
		domain.StageConfiguring: o.stepConfigure,
		domain.StageNotifying:   o.stepNotify,
		domain.StageAcceptance:  o.stepAcceptance,
	}
	return o
}

// RunOptions parameterize one orchestrated delivery.
type RunOptions struct {
	ProjectID         string
	ProductURL        string
	SkipStages        []domain.Stage
	ChecklistStatuses map[string]domain.ItemStatus
}

// RunReport is what an orchestrated delivery produced. Session is nil
// when the run was blocked before a session opened.
type RunReport struct {
	Checklist    domain.DeliveryChecklist
	Gate         domain.GateResult
	Session      *domain.DeliverySession
	AcceptanceID string
	Blocked      bool
	BlockReason  string
}

// Run executes a full delivery. The checklist and gate are evaluated
// first; a not_ready checklist or a blocking gate stops the run before
// any session exists.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (RunReport, error) {
	var report RunReport
	cfg := o.Engine.Config
	if cfg == nil {
		return report, errors.New("config not loaded")
	}

	items := checklist.FromConfigItems(o.checklistCatalogue(), opts.ChecklistStatuses)
	report.Checklist = checklist.Score(items)
	if report.Checklist.OverallStatus == domain.NotReady {
		report.Blocked = true
		report.BlockReason = fmt.Sprintf("checklist not ready: %d blocker(s)", len(report.Checklist.Blockers))
		if err := o.note(ctx, opts.ProjectID, "delivery.blocked", events.LevelWarning, report.BlockReason); err != nil {
			return report, err
		}
		return report, nil
	}

	report.Gate = o.Gate.Evaluate(ctx, cfg.GateChecks(opts.ProductURL), cfg.Delivery.StrictGate)
	if !report.Gate.CanDeliver {
		report.Blocked = true
		report.BlockReason = fmt.Sprintf("gate blocked delivery: score %.0f, %d blocker(s), %d critical(s)",
			report.Gate.OverallScore, len(report.Gate.Blockers), len(report.Gate.Criticals))
		if err := o.note(ctx, opts.ProjectID, "gate.blocked", events.LevelError, report.BlockReason); err != nil {
			return report, err
		}
		return report, nil
	}
	if err := o.note(ctx, opts.ProjectID, "gate.passed", events.LevelInfo,
		fmt.Sprintf("gate score %.0f", report.Gate.OverallScore)); err != nil {
		return report, err
	}

	s, err := o.Engine.CreateSession(ctx, SessionCreateOptions{
		ProjectID:  opts.ProjectID,
		ProductURL: opts.ProductURL,
		SkipStages: opts.SkipStages,
	})
	if err != nil {
		return report, err
	}
	report.Session = &s

	for !s.Status.Terminal() {
		if ctx.Err() != nil {
			if s, cerr := o.Engine.CancelSession(ctx, s.ID, "run cancelled"); cerr == nil {
				report.Session = &s
			}
			return report, ctx.Err()
		}
		step, ok := o.Steps[s.CurrentStage]
		if !ok {
			return report, fmt.Errorf("no step for stage %s", s.CurrentStage)
		}
		outputs, stepErr := step(ctx, &s)
		if stepErr != nil {
			s, err = o.Engine.FailStage(ctx, s.ID, stepErr.Error())
			if err != nil {
				return report, err
			}
			report.Session = &s
			if s.Status == domain.SessionFailed {
				if si := s.StageNamed(s.CurrentStage); si != nil && si.RetryCount < s.Config.MaxRetries {
					s, err = o.Engine.RetryStage(ctx, s.ID)
					if err != nil {
						return report, err
					}
					report.Session = &s
				}
			}
			continue
		}
		if aid, ok := outputs["acceptance_id"]; ok {
			report.AcceptanceID = aid
		}
		s, err = o.Engine.CompleteStage(ctx, s.ID, outputs)
		if err != nil {
			return report, err
		}
		report.Session = &s
	}
	return report, nil
}

func (o *Orchestrator) checklistCatalogue() []domain.ChecklistItem {
	cfg := o.Engine.Config
	items := make([]domain.ChecklistItem, 0, len(cfg.Checklist.Items))
	for _, it := range cfg.Checklist.Items {
		items = append(items, domain.ChecklistItem{
			Name:       it.Name,
			Category:   it.Category,
			Importance: it.Importance,
		})
	}
	return items
}

func (o *Orchestrator) note(ctx context.Context, projectID, evtType, level, message string) error {
	tx, err := o.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Engine.Events.Append(ctx, tx, evtType, level, "", projectID, "", message, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (o *Orchestrator) stepNoop(ctx context.Context, s *domain.DeliverySession) (map[string]string, error) {
	return nil, nil
}

func (o *Orchestrator) stepPrepare(ctx context.Context, s *domain.DeliverySession) (map[string]string, error) {
	return nil, o.Platform.Prepare(ctx, s.ProjectID)
}

func (o *Orchestrator) stepBuild(ctx context.Context, s *domain.DeliverySession) (map[string]string, error) {
	// No build system is wired in; the artifact name seeds the deploy.
	artifact := fmt.Sprintf("%s-%s.tar.gz", s.ProjectID, s.ID[:8])
	return map[string]string{"artifact": artifact}, nil
}

func (o *Orchestrator) stepDeploy(ctx context.Context, s *domain.DeliverySession) (map[string]string, error) {
	rel, err := o.Platform.Deploy(ctx, s.ProjectID, s.Outputs["artifact"])
	if err != nil {
		return nil, err
	}
	out := map[string]string{"release_id": rel.ID}
	if rel.URL != "" {
		out["release_url"] = rel.URL
	}
	return out, nil
}

// stepVerify re-runs the gate against the live deployment. Strict mode
// carries over from the session config.
func (o *Orchestrator) stepVerify(ctx context.Context, s *domain.DeliverySession) (map[string]string, error) {
	res := o.Gate.Evaluate(ctx, o.Engine.Config.GateChecks(s.Config.ProductURL), s.Config.StrictGate)
	if !res.CanDeliver {
		return nil, fmt.Errorf("post-deploy verification failed: score %.0f, %d blocker(s)",
			res.OverallScore, len(res.Blockers))
	}
	return map[string]string{"verify_score": fmt.Sprintf("%.0f", res.OverallScore)}, nil
}

func (o *Orchestrator) stepConfigure(ctx context.Context, s *domain.DeliverySession) (map[string]string, error) {
	releaseID := s.Outputs["release_id"]
	if releaseID == "" {
		return nil, errors.New("no release to configure")
	}
	settings := map[string]string{"product_url": s.Config.ProductURL}
	return nil, o.Platform.Configure(ctx, s.ProjectID, releaseID, settings)
}

func (o *Orchestrator) stepNotify(ctx context.Context, s *domain.DeliverySession) (map[string]string, error) {
	if o.Notifier == nil {
		return nil, nil
	}
	n := notify.Notification{
		ProjectID: s.ProjectID,
		SessionID: s.ID,
		Subject:   "delivery ready for acceptance",
		Message:   fmt.Sprintf("release %s deployed at %s", s.Outputs["release_id"], s.Config.ProductURL),
		SentAt:    o.Engine.nowStr(),
	}
	return nil, o.Notifier.Send(ctx, n)
}

func (o *Orchestrator) stepAcceptance(ctx context.Context, s *domain.DeliverySession) (map[string]string, error) {
	clock := acceptance.New(o.Engine.DB, s.Config.Acceptance)
	clock.Now = o.Engine.Now
	a, err := clock.Start(ctx, s.ID, s.ProjectID, nil)
	if err != nil {
		return nil, err
	}
	return map[string]string{"acceptance_id": a.ID}, nil
}

// DeliveryReport bundles a session with its acceptance state and recent
// audit trail.
type DeliveryReport struct {
	Session    domain.DeliverySession    `json:"session"`
	Acceptance *domain.AcceptanceSession `json:"acceptance,omitempty"`
	Events     []domain.DeliveryEvent    `json:"events,omitempty"`
	Progress   int                       `json:"progress"`
	Verdict    domain.SessionStatus      `json:"verdict"`
}

// Report summarizes one session for operators.
func (e Engine) Report(ctx context.Context, sessionID string) (DeliveryReport, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return DeliveryReport{}, err
	}
	report := DeliveryReport{
		Session:  s,
		Progress: s.OverallProgress,
		Verdict:  s.Status,
	}
	if a, err := e.Repo.GetAcceptanceBySession(ctx, sessionID); err == nil {
		report.Acceptance = &a
	} else if !errors.Is(err, repo.ErrNotFound) {
		return report, err
	}
	evts, err := e.Repo.LatestEvents(ctx, repo.EventFilters{SessionID: sessionID, Limit: 50})
	if err != nil {
		return report, err
	}
	report.Events = evts
	return report, nil
}
