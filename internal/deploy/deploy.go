// Package deploy abstracts the hosting platform a delivery pushes to.
// The orchestrator talks only to the Platform interface; Local is the
// filesystem-backed implementation used by the CLI and tests.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Release identifies one deployed build on the platform.
type Release struct {
	ID         string            `json:"id"`
	ProjectID  string            `json:"project_id"`
	Artifact   string            `json:"artifact"`
	URL        string            `json:"url,omitempty"`
	Settings   map[string]string `json:"settings,omitempty"`
	RolledBack bool              `json:"rolled_back,omitempty"`
	DeployedAt string            `json:"deployed_at"`
}

// Platform is the hosting side of a delivery: environment preparation,
// build rollout, post-deploy configuration and rollback.
type Platform interface {
	Prepare(ctx context.Context, projectID string) error
	Deploy(ctx context.Context, projectID, artifact string) (Release, error)
	Configure(ctx context.Context, projectID, releaseID string, settings map[string]string) error
	Rollback(ctx context.Context, projectID, releaseID string) error
}

// Local is a Platform that records releases as JSON files under the
// workspace. It gives the pipeline something real to deploy to without
// any external infrastructure.
type Local struct {
	Dir string
	Now func() time.Time
}

func NewLocal(workspace string) *Local {
	return &Local{Dir: filepath.Join(workspace, ".shipline", "releases"), Now: time.Now}
}

func (l *Local) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Local) releasePath(releaseID string) string {
	return filepath.Join(l.Dir, releaseID+".json")
}

func (l *Local) Prepare(ctx context.Context, projectID string) error {
	return os.MkdirAll(l.Dir, 0o755)
}

func (l *Local) Deploy(ctx context.Context, projectID, artifact string) (Release, error) {
	if artifact == "" {
		return Release{}, fmt.Errorf("nothing to deploy for %s: no build artifact", projectID)
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return Release{}, err
	}
	rel := Release{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Artifact:   artifact,
		DeployedAt: l.now().UTC().Format(time.RFC3339),
	}
	return rel, l.write(rel)
}

func (l *Local) Configure(ctx context.Context, projectID, releaseID string, settings map[string]string) error {
	rel, err := l.read(releaseID)
	if err != nil {
		return err
	}
	if rel.ProjectID != projectID {
		return fmt.Errorf("release %s belongs to %s", releaseID, rel.ProjectID)
	}
	if rel.Settings == nil {
		rel.Settings = map[string]string{}
	}
	for k, v := range settings {
		rel.Settings[k] = v
	}
	return l.write(rel)
}

func (l *Local) Rollback(ctx context.Context, projectID, releaseID string) error {
	rel, err := l.read(releaseID)
	if err != nil {
		return err
	}
	if rel.ProjectID != projectID {
		return fmt.Errorf("release %s belongs to %s", releaseID, rel.ProjectID)
	}
	rel.RolledBack = true
	return l.write(rel)
}

// Releases lists everything deployed for a project, newest first by
// file order.
func (l *Local) Releases(projectID string) ([]Release, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res []Release
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		rel, err := l.read(e.Name()[:len(e.Name())-len(".json")])
		if err != nil {
			return nil, err
		}
		if rel.ProjectID == projectID {
			res = append(res, rel)
		}
	}
	return res, nil
}

func (l *Local) read(releaseID string) (Release, error) {
	data, err := os.ReadFile(l.releasePath(releaseID))
	if err != nil {
		return Release{}, err
	}
	var rel Release
	if err := json.Unmarshal(data, &rel); err != nil {
		return Release{}, err
	}
	return rel, nil
}

func (l *Local) write(rel Release) error {
	data, err := json.MarshalIndent(rel, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.releasePath(rel.ID), data, 0o644)
}
