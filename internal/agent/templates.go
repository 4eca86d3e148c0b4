// Package agent provides capability templates and the per-project agent registry.
package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Template describes the capabilities of an agent role.
type Template struct {
	// Role is the template key, matched against module types and agents_needed.
	Role string `yaml:"role"`
	// Aliases are additional module types served by this template.
	Aliases []string `yaml:"aliases,omitempty"`
	// Personality becomes the agent's system prompt.
	Personality string `yaml:"personality"`
	// Expertise lists the areas the agent is briefed on.
	Expertise []string `yaml:"expertise,omitempty"`
	// Backends is the backend preference list, most preferred first.
	Backends []string `yaml:"backends"`
	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature"`
	// MaxTokens bounds the response length.
	MaxTokens int `yaml:"max_tokens"`
}

// TemplateSet maps roles to templates.
type TemplateSet map[string]*Template

// Lookup returns the template serving a module type or role, resolving aliases.
func (s TemplateSet) Lookup(kind string) (*Template, bool) {
	key := strings.ToLower(strings.TrimSpace(kind))
	if t, ok := s[key]; ok {
		return t, true
	}
	for _, role := range s.Roles() {
		for _, alias := range s[role].Aliases {
			if strings.EqualFold(alias, key) {
				return s[role], true
			}
		}
	}
	return nil, false
}

// Roles returns the template roles in sorted order.
func (s TemplateSet) Roles() []string {
	roles := make([]string, 0, len(s))
	for role := range s {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Default backend IDs referenced by the built-in templates.
const (
	BackendDeepseek14B = "deepseek-r1:14b"
	BackendDeepseek7B  = "deepseek-r1:7b"
	BackendQwenCoder   = "qwen2.5-coder:7b"
	BackendClaude      = "claude-sonnet"
)

// DefaultTemplates returns the built-in role templates. Code-heavy roles
// prefer local models and fall back to the cloud; review roles prefer the
// cloud model.
func DefaultTemplates() TemplateSet {
	list := []*Template{
		{
			Role:        "backend",
			Aliases:     []string{"api", "service"},
			Personality: "Expert backend developer focused on scalable architecture, API design, and database optimization. Methodical and security-conscious.",
			Expertise:   []string{"RESTful APIs", "GraphQL", "Microservices", "Authentication", "Database Design", "Performance Optimization"},
			Backends:    []string{BackendDeepseek14B, BackendQwenCoder, BackendClaude},
			Temperature: 0.2,
			MaxTokens:   2500,
		},
		{
			Role:        "frontend",
			Aliases:     []string{"ui", "web"},
			Personality: "Creative frontend developer specializing in modern web technologies and exceptional user experiences. Detail-oriented with strong design sense.",
			Expertise:   []string{"React/TypeScript", "State Management", "Responsive Design", "Accessibility", "Web Components"},
			Backends:    []string{BackendClaude, BackendQwenCoder},
			Temperature: 0.4,
			MaxTokens:   2000,
		},
		{
			Role:        "fullstack",
			Personality: "Versatile fullstack developer with expertise across the entire development stack. Bridge between frontend and backend teams.",
			Expertise:   []string{"API Integration", "Database Design", "Testing Strategies", "System Architecture"},
			Backends:    []string{BackendDeepseek14B, BackendClaude},
			Temperature: 0.3,
			MaxTokens:   2200,
		},
		{
			Role:        "mobile",
			Personality: "Mobile development specialist creating cross-platform applications with native performance and user experience.",
			Expertise:   []string{"React Native", "Flutter", "Mobile UI/UX", "Push Notifications", "Offline Storage"},
			Backends:    []string{BackendClaude, BackendDeepseek14B},
			Temperature: 0.3,
			MaxTokens:   2000,
		},
		{
			Role:        "devops",
			Aliases:     []string{"deploy", "deployment", "infrastructure"},
			Personality: "DevOps engineer focused on automation, reliability, and scalable infrastructure. Systematic approach to deployment and monitoring.",
			Expertise:   []string{"Docker/Kubernetes", "CI/CD Pipelines", "Infrastructure as Code", "Monitoring", "Backup Strategies"},
			Backends:    []string{BackendQwenCoder, BackendDeepseek7B, BackendClaude},
			Temperature: 0.1,
			MaxTokens:   2000,
		},
		{
			Role:        "qa",
			Aliases:     []string{"testing", "test"},
			Personality: "Quality assurance specialist ensuring robust, bug-free applications through comprehensive testing strategies.",
			Expertise:   []string{"Test Automation", "Unit Testing", "Integration Testing", "E2E Testing", "Test Planning"},
			Backends:    []string{BackendClaude, BackendDeepseek14B},
			Temperature: 0.2,
			MaxTokens:   1800,
		},
		{
			Role:        "security",
			Personality: "Security specialist focused on identifying vulnerabilities and implementing robust security measures.",
			Expertise:   []string{"Security Auditing", "OWASP Guidelines", "Authentication/Authorization", "Data Encryption", "Threat Modeling"},
			Backends:    []string{BackendClaude, BackendDeepseek14B},
			Temperature: 0.1,
			MaxTokens:   2000,
		},
		{
			Role:        "data",
			Aliases:     []string{"database", "analytics"},
			Personality: "Data engineer specializing in data pipelines, analytics, and machine learning integration.",
			Expertise:   []string{"Data Pipelines", "ETL/ELT", "SQL Optimization", "Data Warehousing", "Analytics"},
			Backends:    []string{BackendDeepseek14B, BackendClaude},
			Temperature: 0.3,
			MaxTokens:   2200,
		},
	}

	set := make(TemplateSet, len(list))
	for _, t := range list {
		set[t.Role] = t
	}
	return set
}

// templateFile is the on-disk layout of a template override file.
type templateFile struct {
	Templates []*Template `yaml:"templates"`
}

// LoadTemplates returns the default templates merged with the templates in
// the YAML file at path. A template in the file replaces the default with
// the same role. An empty path returns the defaults.
func LoadTemplates(path string) (TemplateSet, error) {
	set := DefaultTemplates()
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse templates %s: %w", path, err)
	}

	for i, t := range file.Templates {
		if t == nil || strings.TrimSpace(t.Role) == "" {
			return nil, fmt.Errorf("parse templates %s: entry %d has no role", path, i)
		}
		if len(t.Backends) == 0 {
			return nil, fmt.Errorf("parse templates %s: role %s has no backends", path, t.Role)
		}
		t.Role = strings.ToLower(strings.TrimSpace(t.Role))
		set[t.Role] = t
	}
	return set, nil
}
