package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"shipline/internal/domain"
)

// Config models shipline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"project" json:"project"`
	Delivery struct {
		MaxRetries           int            `yaml:"max_retries" json:"max_retries"`
		StrictGate           bool           `yaml:"strict_gate" json:"strict_gate"`
		SkipStages           []domain.Stage `yaml:"skip_stages" json:"skip_stages,omitempty"`
		CheckIntervalMinutes int            `yaml:"check_interval_minutes" json:"check_interval_minutes"`
		ProbeTimeoutSeconds  int            `yaml:"probe_timeout_seconds" json:"probe_timeout_seconds"`
	} `yaml:"delivery" json:"delivery"`
	Acceptance struct {
		TimeoutMinutes      int  `yaml:"timeout_minutes" json:"timeout_minutes"`
		WarningMinutes      int  `yaml:"warning_minutes" json:"warning_minutes"`
		FinalWarningMinutes int  `yaml:"final_warning_minutes" json:"final_warning_minutes"`
		AutoPassOnExpiry    bool `yaml:"auto_pass_on_expiry" json:"auto_pass_on_expiry"`
	} `yaml:"acceptance" json:"acceptance"`
	Events struct {
		RetentionDays int `yaml:"retention_days" json:"retention_days"`
	} `yaml:"events" json:"events"`
	Gate struct {
		Checks []GateCheckConfig `yaml:"checks" json:"checks"`
	} `yaml:"gate" json:"gate"`
	Checklist struct {
		Items []ChecklistItemConfig `yaml:"items" json:"items"`
	} `yaml:"checklist" json:"checklist"`
	Healing struct {
		Strategies []StrategyConfig `yaml:"strategies" json:"strategies"`
	} `yaml:"healing" json:"healing"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// GateCheckConfig declares one gate check in the catalogue.
type GateCheckConfig struct {
	Name     string          `yaml:"name" json:"name"`
	Category string          `yaml:"category" json:"category"`
	Severity domain.Severity `yaml:"severity" json:"severity"`
	Target   string          `yaml:"target" json:"target,omitempty"`
}

// ChecklistItemConfig declares one readiness checklist item.
type ChecklistItemConfig struct {
	Name       string          `yaml:"name" json:"name"`
	Category   string          `yaml:"category" json:"category"`
	Importance domain.Severity `yaml:"importance" json:"importance"`
}

// StrategyConfig binds a check type to a remediation action.
// Condition is the minimum check status the strategy fires on:
// "warning" matches warning and critical results, "critical" only critical.
type StrategyConfig struct {
	CheckType       string `yaml:"check_type" json:"check_type"`
	Condition       string `yaml:"condition" json:"condition"`
	Action          string `yaml:"action" json:"action"`
	CooldownMinutes int    `yaml:"cooldown_minutes" json:"cooldown_minutes"`
	MaxAttempts     int    `yaml:"max_attempts" json:"max_attempts"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// WebhookConfig configures one notification webhook target.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

var validSeverities = map[domain.Severity]bool{
	domain.SeverityBlocker:  true,
	domain.SeverityCritical: true,
	domain.SeverityWarning:  true,
	domain.SeverityInfo:     true,
}

var validActions = map[string]bool{
	"restart_service":    true,
	"reconnect_database": true,
	"clear_cache":        true,
	"enable_rate_limit":  true,
	"rerun_backup":       true,
	"renew_certificate":  true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("config.delivery.max_retries must be >= 0")
	}
	if c.Delivery.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("config.delivery.probe_timeout_seconds must be > 0")
	}
	if c.Acceptance.TimeoutMinutes <= 0 {
		return fmt.Errorf("config.acceptance.timeout_minutes must be > 0")
	}
	if c.Acceptance.WarningMinutes >= c.Acceptance.TimeoutMinutes {
		return fmt.Errorf("config.acceptance.warning_minutes must be below timeout_minutes")
	}
	if c.Acceptance.FinalWarningMinutes >= c.Acceptance.WarningMinutes {
		return fmt.Errorf("config.acceptance.final_warning_minutes must be below warning_minutes")
	}
	if c.Events.RetentionDays <= 0 {
		return fmt.Errorf("config.events.retention_days must be > 0")
	}
	seen := map[string]bool{}
	for _, chk := range c.Gate.Checks {
		if chk.Name == "" {
			return fmt.Errorf("config.gate.checks contains an unnamed check")
		}
		if seen[chk.Name] {
			return fmt.Errorf("gate check %s declared twice", chk.Name)
		}
		seen[chk.Name] = true
		if !validSeverities[chk.Severity] {
			return fmt.Errorf("gate check %s has unknown severity %q", chk.Name, chk.Severity)
		}
	}
	for _, item := range c.Checklist.Items {
		if item.Name == "" {
			return fmt.Errorf("config.checklist.items contains an unnamed item")
		}
		if !validSeverities[item.Importance] {
			return fmt.Errorf("checklist item %s has unknown importance %q", item.Name, item.Importance)
		}
	}
	for _, s := range c.Healing.Strategies {
		if s.CheckType == "" {
			return fmt.Errorf("healing strategy missing check_type")
		}
		if s.Condition != "warning" && s.Condition != "critical" {
			return fmt.Errorf("strategy for %s has invalid condition %q", s.CheckType, s.Condition)
		}
		if !validActions[s.Action] {
			return fmt.Errorf("strategy for %s has unknown action %q", s.CheckType, s.Action)
		}
		if s.CooldownMinutes <= 0 {
			return fmt.Errorf("strategy for %s needs cooldown_minutes > 0", s.CheckType)
		}
		if s.MaxAttempts <= 0 {
			return fmt.Errorf("strategy for %s needs max_attempts > 0", s.CheckType)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d missing url", i)
		}
	}
	return nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shipline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// SessionConfig derives the per-session defaults from project config.
func (c *Config) SessionConfig(productURL string) domain.SessionConfig {
	return domain.SessionConfig{
		ProductURL: productURL,
		SkipStages: c.Delivery.SkipStages,
		MaxRetries: c.Delivery.MaxRetries,
		StrictGate: c.Delivery.StrictGate,
		Acceptance: domain.AcceptanceConfig{
			TimeoutMinutes:      c.Acceptance.TimeoutMinutes,
			WarningMinutes:      c.Acceptance.WarningMinutes,
			FinalWarningMinutes: c.Acceptance.FinalWarningMinutes,
			AutoPassOnExpiry:    c.Acceptance.AutoPassOnExpiry,
		},
		NotifyOnEnd: len(c.Webhooks) > 0,
	}
}

// GateChecks materializes the gate catalogue for a product URL.
func (c *Config) GateChecks(productURL string) []domain.GateCheck {
	checks := make([]domain.GateCheck, 0, len(c.Gate.Checks))
	for _, chk := range c.Gate.Checks {
		target := chk.Target
		if target == "" {
			target = productURL
		}
		checks = append(checks, domain.GateCheck{
			Name:     chk.Name,
			Category: chk.Category,
			Severity: chk.Severity,
			Target:   target,
		})
	}
	return checks
}

const defaultTemplate = `project:
  id: %s
  name: ""

delivery:
  max_retries: 3
  strict_gate: false
  skip_stages: []
  check_interval_minutes: 5
  probe_timeout_seconds: 5

acceptance:
  timeout_minutes: 4320
  warning_minutes: 1440
  final_warning_minutes: 240
  auto_pass_on_expiry: true

events:
  retention_days: 30

gate:
  checks:
    - name: health
      category: runtime
      severity: blocker
    - name: ssl
      category: security
      severity: critical
    - name: database
      category: runtime
      severity: blocker
    - name: storage
      category: capacity
      severity: warning
    - name: memory
      category: capacity
      severity: warning
    - name: cpu
      category: capacity
      severity: warning
    - name: latency
      category: performance
      severity: critical
    - name: error_rate
      category: performance
      severity: critical
    - name: backup
      category: durability
      severity: info

checklist:
  items:
    - name: build_artifacts_present
      category: build
      importance: blocker
    - name: smoke_tests_passed
      category: quality
      importance: blocker
    - name: domain_configured
      category: platform
      importance: critical
    - name: credentials_issued
      category: platform
      importance: critical
    - name: docs_published
      category: handover
      importance: warning
    - name: changelog_written
      category: handover
      importance: info

healing:
  strategies:
    - check_type: health
      condition: critical
      action: restart_service
      cooldown_minutes: 10
      max_attempts: 3
      timeout_seconds: 60
    - check_type: database
      condition: critical
      action: reconnect_database
      cooldown_minutes: 5
      max_attempts: 3
      timeout_seconds: 30
    - check_type: memory
      condition: warning
      action: clear_cache
      cooldown_minutes: 15
      max_attempts: 2
      timeout_seconds: 30
    - check_type: error_rate
      condition: critical
      action: enable_rate_limit
      cooldown_minutes: 30
      max_attempts: 2
      timeout_seconds: 30
    - check_type: ssl
      condition: critical
      action: renew_certificate
      cooldown_minutes: 60
      max_attempts: 1
      timeout_seconds: 120
    - check_type: backup
      condition: warning
      action: rerun_backup
      cooldown_minutes: 120
      max_attempts: 1
      timeout_seconds: 300

webhooks: []
`
