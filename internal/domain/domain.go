package domain

// SessionStatus is the lifecycle state of a delivery session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionPartial   SessionStatus = "partial"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
	SessionPaused    SessionStatus = "paused"
)

// Terminal reports whether no further stage may start.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionPartial, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// Stage is one named phase of a delivery run.
type Stage string

const (
	StageQueued      Stage = "queued"
	StagePreparing   Stage = "preparing"
	StageBuilding    Stage = "building"
	StageTesting     Stage = "testing"
	StageDeploying   Stage = "deploying"
	StageVerifying   Stage = "verifying"
	StageConfiguring Stage = "configuring"
	StageNotifying   Stage = "notifying"
	StageAcceptance  Stage = "acceptance"
)

// StageStatus is the state of one StageInfo entry.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageRunning    StageStatus = "running"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
	StageRolledBack StageStatus = "rolled_back"
)

// Severity classifies gate checks and checklist items.
type Severity string

const (
	SeverityBlocker  Severity = "blocker"
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Weight returns the fixed scoring weight for a severity.
// The values are part of the persisted contract; scores are only
// comparable across deployments if they never change.
func (s Severity) Weight() int {
	switch s {
	case SeverityBlocker:
		return 30
	case SeverityCritical:
		return 20
	case SeverityWarning:
		return 10
	case SeverityInfo:
		return 5
	}
	return 0
}

// CheckStatus is the tri-state outcome of one diagnostic check.
type CheckStatus string

const (
	CheckHealthy  CheckStatus = "healthy"
	CheckWarning  CheckStatus = "warning"
	CheckCritical CheckStatus = "critical"
)

// ItemStatus is the evaluation state of a gate check or checklist item.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemPassed  ItemStatus = "passed"
	ItemWarning ItemStatus = "warning"
	ItemFailed  ItemStatus = "failed"
)

// IssueStatus is the lifecycle state of a health issue.
type IssueStatus string

const (
	IssueOpen      IssueStatus = "open"
	IssueResolved  IssueStatus = "resolved"
	IssueEscalated IssueStatus = "escalated"
)

// AcceptanceStatus is the state of a customer sign-off session.
type AcceptanceStatus string

const (
	AcceptancePending      AcceptanceStatus = "pending"
	AcceptanceActive       AcceptanceStatus = "active"
	AcceptanceWarning      AcceptanceStatus = "warning"
	AcceptanceFinalWarning AcceptanceStatus = "final_warning"
	AcceptanceAutoPassed   AcceptanceStatus = "auto_passed"
	AcceptancePassed       AcceptanceStatus = "passed"
	AcceptanceRejected     AcceptanceStatus = "rejected"
	AcceptanceEscalated    AcceptanceStatus = "escalated"
)

// Terminal reports whether an acceptance session can no longer transition.
func (s AcceptanceStatus) Terminal() bool {
	switch s {
	case AcceptanceAutoPassed, AcceptancePassed, AcceptanceRejected, AcceptanceEscalated:
		return true
	}
	return false
}

// Readiness summarizes a checklist evaluation.
type Readiness string

const (
	Ready             Readiness = "ready"
	ReadyWithWarnings Readiness = "ready_with_warnings"
	NotReady          Readiness = "not_ready"
)

// DeliverySession is one delivery attempt for a project.
type DeliverySession struct {
	ID              string            `json:"id"`
	ProjectID       string            `json:"project_id"`
	CurrentStage    Stage             `json:"current_stage"`
	OverallProgress int               `json:"overall_progress"`
	Status          SessionStatus     `json:"status" enum:"active,completed,partial,failed,cancelled,paused"`
	Stages          []StageInfo       `json:"stages"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	Config          SessionConfig     `json:"config"`
	LastError       string            `json:"last_error,omitempty"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
	UpdatedAt       string            `json:"updated_at" format:"date-time"`
	CompletedAt     *string           `json:"completed_at,omitempty" format:"date-time"`
}

// StageNamed returns the StageInfo entry for a stage, or nil.
func (s *DeliverySession) StageNamed(stage Stage) *StageInfo {
	for i := range s.Stages {
		if s.Stages[i].Stage == stage {
			return &s.Stages[i]
		}
	}
	return nil
}

// SessionConfig holds per-session delivery options.
type SessionConfig struct {
	ProductURL  string           `json:"product_url,omitempty"`
	SkipStages  []Stage          `json:"skip_stages,omitempty"`
	MaxRetries  int              `json:"max_retries"`
	StrictGate  bool             `json:"strict_gate"`
	Acceptance  AcceptanceConfig `json:"acceptance"`
	NotifyOnEnd bool             `json:"notify_on_end"`
}

// Skips reports whether the session config skips a stage.
func (c SessionConfig) Skips(stage Stage) bool {
	for _, s := range c.SkipStages {
		if s == stage {
			return true
		}
	}
	return false
}

// AcceptanceConfig bounds the customer sign-off window.
type AcceptanceConfig struct {
	TimeoutMinutes      int  `json:"timeout_minutes"`
	WarningMinutes      int  `json:"warning_minutes"`
	FinalWarningMinutes int  `json:"final_warning_minutes"`
	AutoPassOnExpiry    bool `json:"auto_pass_on_expiry"`
}

// StageInfo tracks one stage of a session. Created pending at session
// creation; mutated only by the sequencer; never deleted.
type StageInfo struct {
	Stage       Stage       `json:"stage"`
	Status      StageStatus `json:"status" enum:"pending,running,completed,failed,skipped,rolled_back"`
	StartedAt   *string     `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string     `json:"completed_at,omitempty" format:"date-time"`
	DurationMs  int64       `json:"duration_ms,omitempty"`
	RetryCount  int         `json:"retry_count"`
	Error       string      `json:"error,omitempty"`
}

// GateCheck is one weighted item of the delivery gate.
type GateCheck struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Severity Severity `json:"severity" enum:"blocker,critical,warning,info"`
	Target   string   `json:"target,omitempty"`
}

// GateItemResult is the outcome of running one gate check.
type GateItemResult struct {
	Check       GateCheck   `json:"check"`
	Status      ItemStatus  `json:"status" enum:"pending,passed,warning,failed"`
	CheckStatus CheckStatus `json:"check_status,omitempty" enum:"healthy,warning,critical"`
	Observation string      `json:"observation,omitempty"`
	Value       float64     `json:"value,omitempty"`
}

// GateResult is the deliver/block decision for a session.
type GateResult struct {
	CanDeliver   bool             `json:"can_deliver"`
	StrictMode   bool             `json:"strict_mode"`
	OverallScore float64          `json:"overall_score"`
	Blockers     []GateItemResult `json:"blockers,omitempty"`
	Criticals    []GateItemResult `json:"criticals,omitempty"`
	Warnings     []GateItemResult `json:"warnings,omitempty"`
	Items        []GateItemResult `json:"items"`
	EvaluatedAt  string           `json:"evaluated_at" format:"date-time"`
}

// ChecklistItem is one weighted pre-delivery readiness item.
type ChecklistItem struct {
	Name       string     `json:"name"`
	Category   string     `json:"category"`
	Importance Severity   `json:"importance" enum:"blocker,critical,warning,info"`
	Status     ItemStatus `json:"status" enum:"pending,passed,warning,failed"`
	Detail     string     `json:"detail,omitempty"`
}

// DeliveryChecklist is the scored readiness report.
type DeliveryChecklist struct {
	ReadinessScore float64         `json:"readiness_score"`
	OverallStatus  Readiness       `json:"overall_status" enum:"ready,ready_with_warnings,not_ready"`
	Blockers       []string        `json:"blockers,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
	Items          []ChecklistItem `json:"items"`
}

// Issue is an open health problem for a project, created when a check
// comes back warning or critical.
type Issue struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	CheckType   string      `json:"check_type"`
	Severity    CheckStatus `json:"severity" enum:"warning,critical"`
	Status      IssueStatus `json:"status" enum:"open,resolved,escalated"`
	Message     string      `json:"message,omitempty"`
	FixAttempts int         `json:"fix_attempts"`
	AutoFixed   bool        `json:"auto_fixed"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
	ResolvedAt  *string     `json:"resolved_at,omitempty" format:"date-time"`
}

// AutoFixAttempt records one execution of a healing action.
type AutoFixAttempt struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	IssueID   string `json:"issue_id"`
	CheckType string `json:"check_type"`
	Action    string `json:"action"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
	StartedAt string `json:"started_at" format:"date-time"`
	EndedAt   string `json:"ended_at" format:"date-time"`
}

// AcceptanceSession is the timeout-bounded customer sign-off workflow
// following delivery. Owned by its parent delivery session but lifecycled
// independently; removed only by retention policy.
type AcceptanceSession struct {
	ID         string                `json:"id"`
	SessionID  string                `json:"session_id"`
	ProjectID  string                `json:"project_id"`
	Status     AcceptanceStatus      `json:"status" enum:"pending,active,warning,final_warning,auto_passed,passed,rejected,escalated"`
	StartedAt  *string               `json:"started_at,omitempty" format:"date-time"`
	ExpiresAt  *string               `json:"expires_at,omitempty" format:"date-time"`
	CheckItems []AcceptanceCheckItem `json:"check_items,omitempty"`
	Issues     []string              `json:"issues,omitempty"`
	Signature  *AcceptanceSignature  `json:"signature,omitempty"`
	CreatedAt  string                `json:"created_at" format:"date-time"`
	UpdatedAt  string                `json:"updated_at" format:"date-time"`
}

// AcceptanceCheckItem is one customer-visible verification item.
type AcceptanceCheckItem struct {
	Name    string `json:"name"`
	Checked bool   `json:"checked"`
	Comment string `json:"comment,omitempty"`
}

// AcceptanceSignature records the terminal user action.
type AcceptanceSignature struct {
	SignedBy          string `json:"signed_by"`
	SatisfactionScore int    `json:"satisfaction_score"`
	Comment           string `json:"comment,omitempty"`
	SignedAt          string `json:"signed_at" format:"date-time"`
}

// DeliveryEvent is one append-only audit record. Events expire after a
// fixed TTL window and are purged by sweep.
type DeliveryEvent struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Type      string `json:"type"`
	Level     string `json:"level"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      string `json:"data_json,omitempty"`
}

// Project is the owning product a delivery session belongs to.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
