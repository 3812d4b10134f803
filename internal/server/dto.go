package server

import (
	"shipline/internal/config"
	"shipline/internal/domain"
)

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

type CreateSessionRequest struct {
	ProductURL string         `json:"product_url,omitempty"`
	SkipStages []domain.Stage `json:"skip_stages,omitempty"`
}

type CompleteStageRequest struct {
	Outputs map[string]string `json:"outputs,omitempty"`
}

type FailStageRequest struct {
	Error string `json:"error"`
}

type RollbackStageRequest struct {
	Stage domain.Stage `json:"stage"`
}

type CancelSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DeliverRequest struct {
	ProductURL string                       `json:"product_url,omitempty"`
	SkipStages []domain.Stage               `json:"skip_stages,omitempty"`
	Checklist  map[string]domain.ItemStatus `json:"checklist,omitempty"`
}

type DeliverResponse struct {
	Checklist    domain.DeliveryChecklist `json:"checklist"`
	Gate         domain.GateResult        `json:"gate"`
	Session      *domain.DeliverySession  `json:"session,omitempty"`
	AcceptanceID string                   `json:"acceptance_id,omitempty"`
	Blocked      bool                     `json:"blocked"`
	BlockReason  string                   `json:"block_reason,omitempty"`
}

type ChecklistRequest struct {
	Statuses map[string]domain.ItemStatus `json:"statuses,omitempty"`
}

type SignAcceptanceRequest struct {
	SignedBy          string                       `json:"signed_by"`
	SatisfactionScore int                          `json:"satisfaction_score"`
	Comment           string                       `json:"comment,omitempty"`
	CheckItems        []domain.AcceptanceCheckItem `json:"check_items,omitempty"`
}

type RejectAcceptanceRequest struct {
	RejectedBy string   `json:"rejected_by"`
	Issues     []string `json:"issues,omitempty"`
}

type EscalateAcceptanceRequest struct {
	Reason string `json:"reason"`
}

type AcceptanceSweepResponse struct {
	Warned      []string `json:"warned"`
	FinalWarned []string `json:"final_warned"`
	AutoPassed  []string `json:"auto_passed"`
	Escalated   []string `json:"escalated"`
}

type CheckSweepItem struct {
	Check       string             `json:"check"`
	Status      domain.CheckStatus `json:"status"`
	Observation string             `json:"observation,omitempty"`
	Attempted   bool               `json:"attempted"`
	FixSuccess  bool               `json:"fix_success,omitempty"`
}

type CheckSweepResponse struct {
	ProjectID string           `json:"project_id"`
	Results   []CheckSweepItem `json:"results"`
}

type PurgeEventsResponse struct {
	Removed int64  `json:"removed"`
	Cutoff  string `json:"cutoff"`
}

type ProjectConfigResponse struct {
	Config *config.Config `json:"config"`
}
