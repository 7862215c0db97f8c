package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Citation and cost-overage policies.
const (
	CitationDraftOnly = "draft_only"
	CitationBlock     = "block"

	CostDegradeToSummary = "degrade_to_summary"
	CostBlock            = "block"
)

// Auth scheme names for the tracker client.
const (
	AuthAPIToken = "api_token"
	AuthOAuth    = "oauth"
)

// Guardrails are the static numeric/policy limits bounding run behavior.
// Loaded once per process lifetime; read-only thereafter.
type Guardrails struct {
	MaxGraphIterations     int     `yaml:"max_graph_iterations"`
	LLMRetryLimit          int     `yaml:"llm_retry_limit"`
	ConfidenceThreshold    float64 `yaml:"confidence_threshold"`
	CostBudgetPerSprintUSD float64 `yaml:"cost_budget_per_sprint_usd"`
	ApprovalExpiryHours    int     `yaml:"approval_expiry_hours"`
	NoSourceCitationPolicy string  `yaml:"no_source_citation_policy"`
	CostExceededPolicy     string  `yaml:"cost_exceeded_policy"`
}

// QueueConfig sizes one named worker pool.
type QueueConfig struct {
	Workers int `yaml:"workers"`
}

// TrackerConfig points the executor at the external issue tracker.
type TrackerConfig struct {
	BaseURL    string `yaml:"base_url"`
	ProjectKey string `yaml:"project_key"`
	Auth       struct {
		Scheme   string `yaml:"scheme"` // api_token or oauth
		Email    string `yaml:"email,omitempty"`
		APIToken string `yaml:"api_token,omitempty"`
		Token    string `yaml:"token,omitempty"` // oauth bearer token
	} `yaml:"auth"`
	// Transitions maps project key -> workflow state name -> transition id.
	// The "default" table is the fallback for projects without an entry.
	Transitions map[string]map[string]string `yaml:"transitions,omitempty"`
}

// NotifyConfig configures fire-and-forget notification delivery.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url,omitempty"`
}

// ScheduleConfig is one cron-driven trigger source.
type ScheduleConfig struct {
	Name string `yaml:"name"`
	Cron string `yaml:"cron"`
}

// Config models runway.yml.
type Config struct {
	Guardrails Guardrails `yaml:"guardrails"`
	Queues     struct {
		Inbound  QueueConfig `yaml:"inbound"`
		Outbound QueueConfig `yaml:"outbound"`
	} `yaml:"queues"`
	Tracker   TrackerConfig    `yaml:"tracker"`
	Notify    NotifyConfig     `yaml:"notify"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
	Server    struct {
		JWTSecret string `yaml:"jwt_secret,omitempty"`
	} `yaml:"server"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with rw init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure and numeric
// ranges. Invalid configuration prevents startup.
func (c *Config) Validate() error {
	g := c.Guardrails
	if g.MaxGraphIterations < 1 || g.MaxGraphIterations > 20 {
		return fmt.Errorf("guardrails.max_graph_iterations must be in 1..20, got %d", g.MaxGraphIterations)
	}
	if g.LLMRetryLimit < 0 || g.LLMRetryLimit > 5 {
		return fmt.Errorf("guardrails.llm_retry_limit must be in 0..5, got %d", g.LLMRetryLimit)
	}
	if g.ConfidenceThreshold < 0 || g.ConfidenceThreshold > 1 {
		return fmt.Errorf("guardrails.confidence_threshold must be in 0..1, got %v", g.ConfidenceThreshold)
	}
	if g.CostBudgetPerSprintUSD < 0 {
		return fmt.Errorf("guardrails.cost_budget_per_sprint_usd must be >= 0, got %v", g.CostBudgetPerSprintUSD)
	}
	if g.ApprovalExpiryHours < 1 {
		return fmt.Errorf("guardrails.approval_expiry_hours must be >= 1, got %d", g.ApprovalExpiryHours)
	}
	switch g.NoSourceCitationPolicy {
	case CitationDraftOnly, CitationBlock:
	default:
		return fmt.Errorf("guardrails.no_source_citation_policy must be %s or %s", CitationDraftOnly, CitationBlock)
	}
	switch g.CostExceededPolicy {
	case CostDegradeToSummary, CostBlock:
	default:
		return fmt.Errorf("guardrails.cost_exceeded_policy must be %s or %s", CostDegradeToSummary, CostBlock)
	}
	if c.Queues.Inbound.Workers < 1 {
		return fmt.Errorf("queues.inbound.workers must be >= 1")
	}
	if c.Queues.Outbound.Workers < 1 {
		return fmt.Errorf("queues.outbound.workers must be >= 1")
	}
	switch c.Tracker.Auth.Scheme {
	case AuthAPIToken, AuthOAuth, "":
	default:
		return fmt.Errorf("tracker.auth.scheme must be %s or %s", AuthAPIToken, AuthOAuth)
	}
	for project, table := range c.Tracker.Transitions {
		if project == "" {
			return fmt.Errorf("tracker.transitions contains empty project key")
		}
		for state, id := range table {
			if state == "" || id == "" {
				return fmt.Errorf("tracker.transitions[%s] contains empty state or transition id", project)
			}
		}
	}
	for _, s := range c.Schedules {
		if s.Name == "" || s.Cron == "" {
			return fmt.Errorf("schedules entries require name and cron")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "runway.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `guardrails:
  max_graph_iterations: 5
  llm_retry_limit: 2
  confidence_threshold: 0.7
  cost_budget_per_sprint_usd: 50
  approval_expiry_hours: 48
  no_source_citation_policy: draft_only
  cost_exceeded_policy: degrade_to_summary

queues:
  inbound:
    workers: 4
  outbound:
    workers: 2

tracker:
  base_url: https://tracker.example.com
  project_key: OPS
  auth:
    scheme: api_token
    email: bot@example.com
    api_token: ""
  transitions:
    default:
      "To Do": "11"
      "In Progress": "21"
      "In Review": "31"
      "Done": "41"

notify:
  slack_webhook_url: ""

schedules: []

server:
  jwt_secret: ""
`
