package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models regline.yml.
type Config struct {
	Tenant struct {
		ID string `yaml:"id"`
	} `yaml:"tenant"`
	Workflow struct {
		Phases []PhaseTemplate `yaml:"phases"`
	} `yaml:"workflow"`
	Gates struct {
		MinRationaleLength *int         `yaml:"min_rationale_length,omitempty"`
		Tools              []ToolConfig `yaml:"tools"`
	} `yaml:"gates"`
	Issues struct {
		DefaultAssignee string `yaml:"default_assignee"`
	} `yaml:"issues"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type PhaseTemplate struct {
	Name  string         `yaml:"name"`
	Steps []StepTemplate `yaml:"steps"`
}

type StepTemplate struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
}

// ToolConfig overrides or extends the built-in tool registry.
type ToolConfig struct {
	Name           string   `yaml:"name"`
	Critical       bool     `yaml:"critical"`
	RequiredParams []string `yaml:"required_params,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Entities       []string `yaml:"entities,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// DefaultMinRationale is the minimum trimmed rationale length for gate
// decisions when the config does not override it.
const DefaultMinRationale = 10

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with rgl tenant config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if len(c.Workflow.Phases) == 0 {
		return fmt.Errorf("config.workflow.phases is required")
	}
	seen := map[string]bool{}
	for i, p := range c.Workflow.Phases {
		if p.Name == "" {
			return fmt.Errorf("workflow phase %d has empty name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("workflow phase %s duplicated", p.Name)
		}
		seen[p.Name] = true
		for j, s := range p.Steps {
			if s.Name == "" {
				return fmt.Errorf("phase %s step %d has empty name", p.Name, j)
			}
		}
	}
	if c.Gates.MinRationaleLength != nil && *c.Gates.MinRationaleLength < 0 {
		return fmt.Errorf("config.gates.min_rationale_length must be >= 0")
	}
	for _, t := range c.Gates.Tools {
		if t.Name == "" {
			return fmt.Errorf("config.gates.tools contains empty tool name")
		}
	}
	return nil
}

// MinRationale returns the configured minimum rationale length. An unset
// value falls back to the default; an explicit zero disables the check.
func (c *Config) MinRationale() int {
	if c == nil || c.Gates.MinRationaleLength == nil {
		return DefaultMinRationale
	}
	return *c.Gates.MinRationaleLength
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "regline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	cfg.Tenant.ID = tenantID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
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

const defaultTemplate = `tenant:
  id: %s

workflow:
  phases:
    - name: regulatory_intelligence
      steps:
        - { name: scan_regulatory_sources, required: true }
        - { name: review_scan_results, required: true }
        - { name: archive_superseded_guidance, required: false }
    - name: report_scoping
      steps:
        - { name: confirm_report_population, required: true }
        - { name: set_period_parameters, required: true }
    - name: cde_identification
      steps:
        - { name: score_data_elements, required: true }
        - { name: assign_cde_owners, required: true }
        - { name: annotate_exceptions, required: false }
    - name: data_profiling
      steps:
        - { name: run_quality_rules, required: true }
        - { name: review_rule_failures, required: true }
    - name: lineage_mapping
      steps:
        - { name: map_source_systems, required: true }
        - { name: analyze_change_impact, required: false }
    - name: issue_management
      steps:
        - { name: triage_open_issues, required: true }
        - { name: resolve_critical_issues, required: true }
    - name: controls_signoff
      steps:
        - { name: evidence_key_controls, required: true }
        - { name: control_owner_signoff, required: true }
    - name: attestation
      steps:
        - { name: compile_attestation_package, required: true }
        - { name: executive_attestation, required: true }
    - name: submission
      steps:
        - { name: final_validation, required: true }
        - { name: submit_report, required: true }

gates:
  min_rationale_length: 10
  tools: []

issues:
  default_assignee: data-governance
`
