package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models steward.yml: every tunable of the assignment and SLA engine.
type Config struct {
	Org struct {
		ID string `yaml:"id"`
	} `yaml:"org"`
	Scoring struct {
		CategorySuccessMax  float64                       `yaml:"category_success_max"`
		CategorySpeedMax    float64                       `yaml:"category_speed_max"`
		ReliabilityMax      float64                       `yaml:"reliability_max"`
		WorkloadPenalty     float64                       `yaml:"workload_penalty"`
		RoleFitMax          float64                       `yaml:"role_fit_max"`
		ExperienceMax       float64                       `yaml:"experience_max"`
		PriorityMultipliers map[string]float64            `yaml:"priority_multipliers"`
		ExperienceWeights   map[string]float64            `yaml:"experience_weights"`
		RoleFit             map[string]map[string]float64 `yaml:"role_fit"`
	} `yaml:"scoring"`
	Predictor struct {
		Strategy          string             `yaml:"strategy"`
		MinSamples        int                `yaml:"min_samples"`
		MinHours          float64            `yaml:"min_hours"`
		DefaultBaseHours  float64            `yaml:"default_base_hours"`
		BaseHours         map[string]float64 `yaml:"base_hours"`
		PriorityFactors   map[string]float64 `yaml:"priority_factors"`
		ExperienceFactors map[string]float64 `yaml:"experience_factors"`
	} `yaml:"predictor"`
	SLA struct {
		PlanDays       int     `yaml:"plan_days"`
		TaskHours      float64 `yaml:"task_hours"`
		AtRiskFraction float64 `yaml:"at_risk_fraction"`
	} `yaml:"sla"`
	Optimizer struct {
		GracePeriodMinutes int `yaml:"grace_period_minutes"`
		IntervalMinutes    int `yaml:"interval_minutes"`
		SLAIntervalMinutes int `yaml:"sla_interval_minutes"`
		LockTTLMinutes     int `yaml:"lock_ttl_minutes"`
	} `yaml:"optimizer"`
	Profiles struct {
		WindowDays int `yaml:"window_days"`
	} `yaml:"profiles"`
	Rules struct {
		SectorManagerRole     string `yaml:"sector_manager_role"`
		ComplianceAuditorRole string `yaml:"compliance_auditor_role"`
		RegionalManagerRole   string `yaml:"regional_manager_role"`
		MaxCandidatesPerRole  int    `yaml:"max_candidates_per_role"`
	} `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one fire-and-forget event sink.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with steward config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if c.SLA.PlanDays <= 0 {
		return fmt.Errorf("config.sla.plan_days must be positive")
	}
	if c.SLA.TaskHours <= 0 {
		return fmt.Errorf("config.sla.task_hours must be positive")
	}
	if c.SLA.AtRiskFraction <= 0 || c.SLA.AtRiskFraction >= 1 {
		return fmt.Errorf("config.sla.at_risk_fraction must be in (0,1)")
	}
	if c.Predictor.MinHours <= 0 {
		return fmt.Errorf("config.predictor.min_hours must be positive")
	}
	if c.Predictor.Strategy != "heuristic" && c.Predictor.Strategy != "model" {
		return fmt.Errorf("config.predictor.strategy must be heuristic or model")
	}
	for level, f := range c.Predictor.ExperienceFactors {
		if f <= 0 {
			return fmt.Errorf("predictor experience factor for %s must be positive", level)
		}
	}
	for p, f := range c.Predictor.PriorityFactors {
		if f <= 0 {
			return fmt.Errorf("predictor priority factor for %s must be positive", p)
		}
	}
	for role, cats := range c.Scoring.RoleFit {
		for cat, fit := range cats {
			if fit < 0 || fit > 1 {
				return fmt.Errorf("role fit %s/%s must be in [0,1]", role, cat)
			}
		}
	}
	if c.Optimizer.GracePeriodMinutes <= 0 {
		return fmt.Errorf("config.optimizer.grace_period_minutes must be positive")
	}
	if c.Profiles.WindowDays <= 0 {
		return fmt.Errorf("config.profiles.window_days must be positive")
	}
	if c.Rules.MaxCandidatesPerRole <= 0 {
		return fmt.Errorf("config.rules.max_candidates_per_role must be positive")
	}
	return nil
}

// PriorityMultiplier returns the urgency multiplier for a priority.
func (c *Config) PriorityMultiplier(priority string) float64 {
	if m, ok := c.Scoring.PriorityMultipliers[priority]; ok {
		return m
	}
	return 1.0
}

// ExperienceWeight returns the scoring weight for an experience level,
// treating unknown levels as mid.
func (c *Config) ExperienceWeight(level string) float64 {
	if w, ok := c.Scoring.ExperienceWeights[level]; ok {
		return w
	}
	return c.Scoring.ExperienceWeights["mid"]
}

// RoleFit returns the [0,1] fit of a role for a category.
func (c *Config) RoleFit(role, category string) float64 {
	if cats, ok := c.Scoring.RoleFit[role]; ok {
		if fit, ok := cats[category]; ok {
			return fit
		}
	}
	return 0.5
}

// BaseHours returns the heuristic base estimate for a category.
func (c *Config) BaseHours(category string) float64 {
	if h, ok := c.Predictor.BaseHours[category]; ok {
		return h
	}
	return c.Predictor.DefaultBaseHours
}

// PriorityFactor returns the heuristic multiplier for a priority.
func (c *Config) PriorityFactor(priority string) float64 {
	if f, ok := c.Predictor.PriorityFactors[priority]; ok {
		return f
	}
	return 1.0
}

// ExperienceFactor returns the heuristic multiplier for an experience level.
func (c *Config) ExperienceFactor(level string) float64 {
	if f, ok := c.Predictor.ExperienceFactors[level]; ok {
		return f
	}
	return 1.0
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "steward.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Org.ID = orgID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `org:
  id: %s

scoring:
  category_success_max: 30
  category_speed_max: 20
  reliability_max: 20
  workload_penalty: 5
  role_fit_max: 15
  experience_max: 10
  priority_multipliers:
    critical: 1.3
    high: 1.15
    medium: 1.0
    low: 0.9
  experience_weights:
    junior: 0.6
    mid: 0.75
    senior: 0.9
    expert: 1.0
  role_fit:
    compliance_auditor:
      review: 0.9
      audit: 1.0
      remediation: 0.6
      reporting: 0.7
    sector_manager:
      review: 0.7
      audit: 0.5
      remediation: 0.8
      reporting: 0.8
    regional_manager:
      review: 0.6
      audit: 0.4
      remediation: 0.7
      reporting: 0.9
    analyst:
      review: 0.6
      audit: 0.7
      remediation: 0.9
      reporting: 0.8

predictor:
  strategy: heuristic
  min_samples: 50
  min_hours: 0.5
  default_base_hours: 4
  base_hours:
    review: 3
    audit: 8
    remediation: 6
    reporting: 2
  priority_factors:
    critical: 0.8
    high: 0.9
    medium: 1.0
    low: 1.2
  experience_factors:
    junior: 1.5
    mid: 1.0
    senior: 0.8
    expert: 0.6

sla:
  plan_days: 30
  task_hours: 8
  at_risk_fraction: 0.2

optimizer:
  grace_period_minutes: 120
  interval_minutes: 5
  sla_interval_minutes: 1
  lock_ttl_minutes: 10

profiles:
  window_days: 180

rules:
  sector_manager_role: sector_manager
  compliance_auditor_role: compliance_auditor
  regional_manager_role: regional_manager
  max_candidates_per_role: 3
`
