package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/stage"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	items, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(items) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return items[0], nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- delivery sessions ---

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.DeliverySession) error {
	outputs, err := marshalOutputs(s.Outputs)
	if err != nil {
		return err
	}
	cfgJSON, err := json.Marshal(s.Config)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO delivery_sessions(id,project_id,current_stage,overall_progress,status,outputs_json,config_json,last_error,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, string(s.CurrentStage), s.OverallProgress, string(s.Status), outputs, string(cfgJSON),
		nullable(s.LastError), s.CreatedAt, s.UpdatedAt, nullableStringPtr(s.CompletedAt)); err != nil {
		return err
	}
	for _, si := range s.Stages {
		if err := r.insertStageTx(ctx, tx, s.ID, si); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) insertStageTx(ctx context.Context, tx *sql.Tx, sessionID string, si domain.StageInfo) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO session_stages(session_id,stage,position,status,started_at,completed_at,duration_ms,retry_count,error)
VALUES (?,?,?,?,?,?,?,?,?)`,
		sessionID, string(si.Stage), stage.Index(si.Stage), string(si.Status),
		nullableStringPtr(si.StartedAt), nullableStringPtr(si.CompletedAt), si.DurationMs, si.RetryCount, nullable(si.Error))
	return err
}

// UpdateSessionTx persists the session row. Stage rows are written
// separately by UpdateStageTx.
func (r Repo) UpdateSessionTx(ctx context.Context, tx *sql.Tx, s domain.DeliverySession) error {
	outputs, err := marshalOutputs(s.Outputs)
	if err != nil {
		return err
	}
	cfgJSON, err := json.Marshal(s.Config)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE delivery_sessions SET current_stage=?, overall_progress=?, status=?, outputs_json=?, config_json=?, last_error=?, updated_at=?, completed_at=? WHERE id=?`,
		string(s.CurrentStage), s.OverallProgress, string(s.Status), outputs, string(cfgJSON),
		nullable(s.LastError), s.UpdatedAt, nullableStringPtr(s.CompletedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateStageTx(ctx context.Context, tx *sql.Tx, sessionID string, si domain.StageInfo) error {
	res, err := tx.ExecContext(ctx, `UPDATE session_stages SET status=?, started_at=?, completed_at=?, duration_ms=?, retry_count=?, error=? WHERE session_id=? AND stage=?`,
		string(si.Status), nullableStringPtr(si.StartedAt), nullableStringPtr(si.CompletedAt),
		si.DurationMs, si.RetryCount, nullable(si.Error), sessionID, string(si.Stage))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.DeliverySession, error) {
	return r.getSession(ctx, r.DB.QueryRowContext, r.DB.QueryContext, id)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.DeliverySession, error) {
	return r.getSession(ctx, tx.QueryRowContext, tx.QueryContext, id)
}

type queryRowFunc func(ctx context.Context, query string, args ...any) *sql.Row
type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) getSession(ctx context.Context, queryRow queryRowFunc, query queryFunc, id string) (domain.DeliverySession, error) {
	var s domain.DeliverySession
	var outputs, lastError, completedAt sql.NullString
	var cfgJSON string
	var status, current string
	err := queryRow(ctx, `SELECT id,project_id,current_stage,overall_progress,status,outputs_json,config_json,last_error,created_at,updated_at,completed_at FROM delivery_sessions WHERE id=?`, id).
		Scan(&s.ID, &s.ProjectID, &current, &s.OverallProgress, &status, &outputs, &cfgJSON, &lastError, &s.CreatedAt, &s.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CurrentStage = domain.Stage(current)
	s.Status = domain.SessionStatus(status)
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &s.Outputs); err != nil {
			return s, fmt.Errorf("decode session outputs: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(cfgJSON), &s.Config); err != nil {
		return s, fmt.Errorf("decode session config: %w", err)
	}
	if lastError.Valid {
		s.LastError = lastError.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	rows, err := query(ctx, `SELECT stage,status,started_at,completed_at,duration_ms,retry_count,error FROM session_stages WHERE session_id=? ORDER BY position ASC`, id)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var si domain.StageInfo
		var st, stStatus string
		var startedAt, stCompletedAt, stErr sql.NullString
		if err := rows.Scan(&st, &stStatus, &startedAt, &stCompletedAt, &si.DurationMs, &si.RetryCount, &stErr); err != nil {
			return s, err
		}
		si.Stage = domain.Stage(st)
		si.Status = domain.StageStatus(stStatus)
		if startedAt.Valid {
			si.StartedAt = &startedAt.String
		}
		if stCompletedAt.Valid {
			si.CompletedAt = &stCompletedAt.String
		}
		if stErr.Valid {
			si.Error = stErr.String
		}
		s.Stages = append(s.Stages, si)
	}
	return s, rows.Err()
}

type SessionFilters struct {
	ProjectID       string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListSessions returns session rows without their stage lists.
func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.DeliverySession, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,project_id,current_stage,overall_progress,status,outputs_json,config_json,last_error,created_at,updated_at,completed_at FROM delivery_sessions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliverySession
	for rows.Next() {
		var s domain.DeliverySession
		var outputs, lastError, completedAt sql.NullString
		var cfgJSON, status, current string
		if err := rows.Scan(&s.ID, &s.ProjectID, &current, &s.OverallProgress, &status, &outputs, &cfgJSON, &lastError, &s.CreatedAt, &s.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		s.CurrentStage = domain.Stage(current)
		s.Status = domain.SessionStatus(status)
		if outputs.Valid && outputs.String != "" {
			_ = json.Unmarshal([]byte(outputs.String), &s.Outputs)
		}
		if err := json.Unmarshal([]byte(cfgJSON), &s.Config); err != nil {
			return nil, fmt.Errorf("decode session config: %w", err)
		}
		if lastError.Valid {
			s.LastError = lastError.String
		}
		if completedAt.Valid {
			s.CompletedAt = &completedAt.String
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) CountSessionsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM delivery_sessions WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

// --- events ---

type EventFilters struct {
	SessionID string
	ProjectID string
	Type      string
	Level     string
	Limit     int
	Cursor    int64
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.DeliveryEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Level != "" {
		clauses = append(clauses, "level=?")
		args = append(args, f.Level)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,session_id,project_id,type,level,stage,message,data_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.DeliveryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,session_id,project_id,type,level,stage,message,data_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

func (r Repo) scanEvents(ctx context.Context, query string, args ...any) ([]domain.DeliveryEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliveryEvent
	for rows.Next() {
		var e domain.DeliveryEvent
		var sessionID, projectID, stg, message, data sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &sessionID, &projectID, &e.Type, &e.Level, &stg, &message, &data); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			e.SessionID = sessionID.String
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if stg.Valid {
			e.Stage = stg.String
		}
		if message.Valid {
			e.Message = message.String
		}
		if data.Valid {
			e.Data = data.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func marshalOutputs(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
