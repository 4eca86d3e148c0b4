// Package planner reads the module graph an external planner produces and
// normalizes it into modules the dependency graph accepts.
package planner

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is a planner's output: a project and its modules.
type Plan struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Modules     []ModuleSpec `yaml:"modules"`
}

// ModuleSpec is one module as a planner describes it.
type ModuleSpec struct {
	Name             string   `yaml:"name"`
	Type             string   `yaml:"type"`
	Description      string   `yaml:"description"`
	Dependencies     []string `yaml:"dependencies"`
	AgentsNeeded     []string `yaml:"agents_needed"`
	Complexity       int      `yaml:"complexity"`
	EstimatedHours   float64  `yaml:"estimated_hours"`
	TechStack        []string `yaml:"tech_stack"`
	APIsNeeded       []string `yaml:"apis_needed"`
	DatabaseEntities []string `yaml:"database_entities"`
}

// Planner produces a plan for a project.
type Planner interface {
	Plan(ctx context.Context) (*Plan, error)
}

// FilePlanner reads a plan from a YAML or JSON file.
type FilePlanner struct {
	Path string
}

// NewFilePlanner creates a planner backed by the file at path.
func NewFilePlanner(path string) *FilePlanner {
	return &FilePlanner{Path: path}
}

// Plan implements Planner.
func (f *FilePlanner) Plan(ctx context.Context) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LoadFile(f.Path)
}

// LoadFile reads and parses a plan file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a plan. JSON input is accepted since JSON is valid YAML.
// Unknown fields are rejected so typos in a plan surface early.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("plan has no name")
	}
	if len(p.Modules) == 0 {
		return nil, fmt.Errorf("plan %q has no modules", p.Name)
	}
	return &p, nil
}
