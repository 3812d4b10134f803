// Package db owns the workspace database: one SQLite file under the
// .shipline directory, shared by the CLI, the API server and the
// sweep workers.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".shipline"
	dbName       = "shipline.db"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .shipline directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	return path, nil
}

// Open opens the workspace database. Foreign keys are enforced and a
// busy timeout covers the sweep workers contending with interactive
// commands; the conditional-update transitions rely on writes not
// failing fast with SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", dsn(Path(cfg.Workspace)))
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}
	return conn, nil
}

// Path returns the database file path for a workspace root.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, dbName)
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
}
