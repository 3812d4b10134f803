package repo

import (
	"context"
	"database/sql"
	"time"

	"shipline/internal/domain"
)

func (r Repo) InsertIssueTx(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(id,project_id,check_type,severity,status,message,fix_attempts,auto_fixed,created_at,updated_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.ProjectID, i.CheckType, string(i.Severity), string(i.Status), nullable(i.Message),
		i.FixAttempts, boolInt(i.AutoFixed), i.CreatedAt, i.UpdatedAt, nullableStringPtr(i.ResolvedAt))
	return err
}

func (r Repo) UpdateIssueTx(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET severity=?, status=?, message=?, fix_attempts=?, auto_fixed=?, updated_at=?, resolved_at=? WHERE id=?`,
		string(i.Severity), string(i.Status), nullable(i.Message), i.FixAttempts, boolInt(i.AutoFixed),
		i.UpdatedAt, nullableStringPtr(i.ResolvedAt), i.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, issueSelect+` WHERE id=?`, id)
	return scanIssue(row)
}

// FindOpenIssue returns the open issue for a project+check type, if any.
func (r Repo) FindOpenIssue(ctx context.Context, projectID, checkType string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, issueSelect+` WHERE project_id=? AND check_type=? AND status='open' ORDER BY created_at DESC LIMIT 1`,
		projectID, checkType)
	return scanIssue(row)
}

func (r Repo) ListIssues(ctx context.Context, projectID string, status domain.IssueStatus) ([]domain.Issue, error) {
	query := issueSelect + ` WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssueRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

const issueSelect = `SELECT id,project_id,check_type,severity,status,message,fix_attempts,auto_fixed,created_at,updated_at,resolved_at FROM issues`

func scanIssue(row *sql.Row) (domain.Issue, error) {
	var i domain.Issue
	var severity, status string
	var message, resolvedAt sql.NullString
	var autoFixed int
	err := row.Scan(&i.ID, &i.ProjectID, &i.CheckType, &severity, &status, &message, &i.FixAttempts, &autoFixed, &i.CreatedAt, &i.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	return fillIssue(i, severity, status, message, resolvedAt, autoFixed), nil
}

func scanIssueRows(rows *sql.Rows) (domain.Issue, error) {
	var i domain.Issue
	var severity, status string
	var message, resolvedAt sql.NullString
	var autoFixed int
	if err := rows.Scan(&i.ID, &i.ProjectID, &i.CheckType, &severity, &status, &message, &i.FixAttempts, &autoFixed, &i.CreatedAt, &i.UpdatedAt, &resolvedAt); err != nil {
		return i, err
	}
	return fillIssue(i, severity, status, message, resolvedAt, autoFixed), nil
}

func fillIssue(i domain.Issue, severity, status string, message, resolvedAt sql.NullString, autoFixed int) domain.Issue {
	i.Severity = domain.CheckStatus(severity)
	i.Status = domain.IssueStatus(status)
	if message.Valid {
		i.Message = message.String
	}
	if resolvedAt.Valid {
		i.ResolvedAt = &resolvedAt.String
	}
	i.AutoFixed = autoFixed != 0
	return i
}

// --- fix attempts ---

func (r Repo) InsertAttemptTx(ctx context.Context, tx *sql.Tx, a domain.AutoFixAttempt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO fix_attempts(id,project_id,issue_id,check_type,action,success,detail,started_at,ended_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.IssueID, a.CheckType, a.Action, boolInt(a.Success), nullable(a.Detail), a.StartedAt, a.EndedAt)
	return err
}

// CountAttemptsForIssue counts prior attempts scoped to one issue.
func (r Repo) CountAttemptsForIssue(ctx context.Context, issueID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM fix_attempts WHERE issue_id=?`, issueID).Scan(&n)
	return n, err
}

func (r Repo) ListAttempts(ctx context.Context, issueID string) ([]domain.AutoFixAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,issue_id,check_type,action,success,detail,started_at,ended_at FROM fix_attempts WHERE issue_id=? ORDER BY started_at ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutoFixAttempt
	for rows.Next() {
		var a domain.AutoFixAttempt
		var success int
		var detail sql.NullString
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.IssueID, &a.CheckType, &a.Action, &success, &detail, &a.StartedAt, &a.EndedAt); err != nil {
			return nil, err
		}
		a.Success = success != 0
		if detail.Valid {
			a.Detail = detail.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ClaimCooldown atomically records a healing attempt timestamp for
// (project, action) if no attempt happened within the cooldown window.
// It returns true when the caller won the claim. Two concurrent callers
// cannot both win: the conditional upsert changes at most one row per
// window.
func (r Repo) ClaimCooldown(ctx context.Context, projectID, action string, now time.Time, cooldown time.Duration) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	floor := now.Add(-cooldown).UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `INSERT INTO heal_cooldowns(project_id,action,last_attempt_at) VALUES (?,?,?)
ON CONFLICT(project_id,action) DO UPDATE SET last_attempt_at=excluded.last_attempt_at
WHERE heal_cooldowns.last_attempt_at <= ?`, projectID, action, nowStr, floor)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LastCooldown returns the last recorded attempt time, if any.
func (r Repo) LastCooldown(ctx context.Context, projectID, action string) (time.Time, error) {
	var ts string
	err := r.DB.QueryRowContext(ctx, `SELECT last_attempt_at FROM heal_cooldowns WHERE project_id=? AND action=?`, projectID, action).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, ts)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
