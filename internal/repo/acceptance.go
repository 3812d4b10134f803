package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"shipline/internal/domain"
)

func (r Repo) InsertAcceptanceTx(ctx context.Context, tx *sql.Tx, a domain.AcceptanceSession) error {
	items, issues, sig, err := marshalAcceptance(a)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO acceptance_sessions(id,session_id,project_id,status,started_at,expires_at,check_items_json,issues_json,signature_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.SessionID, a.ProjectID, string(a.Status), nullableStringPtr(a.StartedAt), nullableStringPtr(a.ExpiresAt),
		items, issues, sig, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAcceptanceTx(ctx context.Context, tx *sql.Tx, a domain.AcceptanceSession) error {
	items, issues, sig, err := marshalAcceptance(a)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE acceptance_sessions SET status=?, started_at=?, expires_at=?, check_items_json=?, issues_json=?, signature_json=?, updated_at=? WHERE id=?`,
		string(a.Status), nullableStringPtr(a.StartedAt), nullableStringPtr(a.ExpiresAt), items, issues, sig, a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionAcceptance flips status only if the current status is one of
// from. This is the find-and-update guard that keeps concurrent sweep
// workers from double-transitioning the same session: exactly one caller
// observes a row change.
func (r Repo) TransitionAcceptance(ctx context.Context, id string, from []domain.AcceptanceStatus, to domain.AcceptanceStatus, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires at least one source status")
	}
	placeholders := make([]string, len(from))
	args := []any{string(to), now.UTC().Format(time.RFC3339), id}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	query := fmt.Sprintf(`UPDATE acceptance_sessions SET status=?, updated_at=? WHERE id=? AND status IN (%s)`,
		strings.Join(placeholders, ","))
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetAcceptance(ctx context.Context, id string) (domain.AcceptanceSession, error) {
	row := r.DB.QueryRowContext(ctx, acceptanceSelect+` WHERE id=?`, id)
	return scanAcceptance(row)
}

func (r Repo) GetAcceptanceBySession(ctx context.Context, sessionID string) (domain.AcceptanceSession, error) {
	row := r.DB.QueryRowContext(ctx, acceptanceSelect+` WHERE session_id=? ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanAcceptance(row)
}

// ListAcceptanceDue returns non-terminal sessions whose expires_at is at
// or before the cutoff, restricted to the given statuses.
func (r Repo) ListAcceptanceDue(ctx context.Context, statuses []domain.AcceptanceStatus, cutoff time.Time) ([]domain.AcceptanceSession, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	var args []any
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	args = append(args, cutoff.UTC().Format(time.RFC3339))
	query := acceptanceSelect + fmt.Sprintf(` WHERE status IN (%s) AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at ASC`,
		strings.Join(placeholders, ","))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AcceptanceSession
	for rows.Next() {
		a, err := scanAcceptanceRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListAcceptanceByProject(ctx context.Context, projectID string) ([]domain.AcceptanceSession, error) {
	rows, err := r.DB.QueryContext(ctx, acceptanceSelect+` WHERE project_id=? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AcceptanceSession
	for rows.Next() {
		a, err := scanAcceptanceRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

const acceptanceSelect = `SELECT id,session_id,project_id,status,started_at,expires_at,check_items_json,issues_json,signature_json,created_at,updated_at FROM acceptance_sessions`

func scanAcceptance(row *sql.Row) (domain.AcceptanceSession, error) {
	var a domain.AcceptanceSession
	var status string
	var startedAt, expiresAt, items, issues, sig sql.NullString
	err := row.Scan(&a.ID, &a.SessionID, &a.ProjectID, &status, &startedAt, &expiresAt, &items, &issues, &sig, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	return fillAcceptance(a, status, startedAt, expiresAt, items, issues, sig)
}

func scanAcceptanceRows(rows *sql.Rows) (domain.AcceptanceSession, error) {
	var a domain.AcceptanceSession
	var status string
	var startedAt, expiresAt, items, issues, sig sql.NullString
	if err := rows.Scan(&a.ID, &a.SessionID, &a.ProjectID, &status, &startedAt, &expiresAt, &items, &issues, &sig, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	return fillAcceptance(a, status, startedAt, expiresAt, items, issues, sig)
}

func fillAcceptance(a domain.AcceptanceSession, status string, startedAt, expiresAt, items, issues, sig sql.NullString) (domain.AcceptanceSession, error) {
	a.Status = domain.AcceptanceStatus(status)
	if startedAt.Valid {
		a.StartedAt = &startedAt.String
	}
	if expiresAt.Valid {
		a.ExpiresAt = &expiresAt.String
	}
	if items.Valid && items.String != "" {
		if err := json.Unmarshal([]byte(items.String), &a.CheckItems); err != nil {
			return a, fmt.Errorf("decode acceptance check items: %w", err)
		}
	}
	if issues.Valid && issues.String != "" {
		if err := json.Unmarshal([]byte(issues.String), &a.Issues); err != nil {
			return a, fmt.Errorf("decode acceptance issues: %w", err)
		}
	}
	if sig.Valid && sig.String != "" {
		a.Signature = &domain.AcceptanceSignature{}
		if err := json.Unmarshal([]byte(sig.String), a.Signature); err != nil {
			return a, fmt.Errorf("decode acceptance signature: %w", err)
		}
	}
	return a, nil
}

func marshalAcceptance(a domain.AcceptanceSession) (items, issues, sig any, err error) {
	if len(a.CheckItems) > 0 {
		b, err := json.Marshal(a.CheckItems)
		if err != nil {
			return nil, nil, nil, err
		}
		items = string(b)
	}
	if len(a.Issues) > 0 {
		b, err := json.Marshal(a.Issues)
		if err != nil {
			return nil, nil, nil, err
		}
		issues = string(b)
	}
	if a.Signature != nil {
		b, err := json.Marshal(a.Signature)
		if err != nil {
			return nil, nil, nil, err
		}
		sig = string(b)
	}
	return items, issues, sig, nil
}
