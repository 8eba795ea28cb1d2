// Package flow describes the steps of each user flow: their backend
// endpoints, form requirements and routes.
//
// The built-in catalog is embedded; a YAML or JSON file can replace it.
package flow

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/cvflow/pkg/jobclient"
	"github.com/3leaps/cvflow/pkg/report"
	"github.com/3leaps/cvflow/pkg/session"
	"github.com/3leaps/cvflow/pkg/step"
)

//go:embed flows.yaml
var embedded []byte

// Catalog is the set of known flows.
type Catalog struct {
	Flows map[string]*Flow `yaml:"flows" json:"flows"`
}

// Flow is one multi-step user journey.
type Flow struct {
	Name            string           `yaml:"-" json:"name"`
	Title           string           `yaml:"title" json:"title"`
	SessionEndpoint string           `yaml:"session_endpoint" json:"session_endpoint"`
	FirstRoute      string           `yaml:"first_route" json:"first_route"`
	Steps           map[string]*Step `yaml:"steps" json:"steps"`
}

// Step is one job-backed step of a flow.
type Step struct {
	Name              string              `yaml:"-" json:"name"`
	Title             string              `yaml:"title" json:"title"`
	SessionKey        string              `yaml:"session_key,omitempty" json:"session_key,omitempty"`
	Endpoints         jobclient.Endpoints `yaml:"endpoints" json:"endpoints"`
	Required          []string            `yaml:"required,omitempty" json:"required,omitempty"`
	Consents          []string            `yaml:"consents,omitempty" json:"consents,omitempty"`
	RequireFiles      bool                `yaml:"require_files,omitempty" json:"require_files,omitempty"`
	NextRoute         string              `yaml:"next_route" json:"next_route"`
	EstimatedDuration string              `yaml:"estimated_duration,omitempty" json:"estimated_duration,omitempty"`
	Result            report.Kind         `yaml:"result,omitempty" json:"result,omitempty"`
	NeedsResult       bool                `yaml:"needs_result,omitempty" json:"needs_result,omitempty"`
}

// ErrNotFound is returned for unknown flows or steps.
var ErrNotFound = errors.New("not found")

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return LoadFromBytes(embedded, "flows.yaml")
}

// Load reads a catalog file. An empty path returns the embedded catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("flow catalog not found: %s", path)
		}
		return nil, fmt.Errorf("read flow catalog: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a catalog. The path extension picks
// JSON; anything else is parsed as YAML.
func LoadFromBytes(data []byte, path string) (*Catalog, error) {
	if len(data) == 0 {
		return nil, errors.New("flow catalog is empty")
	}

	var c Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse flow catalog JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse flow catalog YAML: %w", err)
		}
	}

	c.applyNames()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSchema(data, path); err != nil {
		return nil, fmt.Errorf("invalid flow catalog: %w", err)
	}
	return &c, nil
}

func (c *Catalog) applyNames() {
	for name, f := range c.Flows {
		if f == nil {
			continue
		}
		f.Name = name
		for sname, s := range f.Steps {
			if s != nil {
				s.Name = sname
			}
		}
	}
}

// Validate checks that every step can be driven.
func (c *Catalog) Validate() error {
	if len(c.Flows) == 0 {
		return errors.New("flow catalog defines no flows")
	}

	var problems []string
	for _, fname := range c.FlowNames() {
		f := c.Flows[fname]
		if f == nil || len(f.Steps) == 0 {
			problems = append(problems, fmt.Sprintf("%s: no steps", fname))
			continue
		}
		for _, sname := range f.StepNames() {
			s := f.Steps[sname]
			id := fname + "/" + sname
			if s == nil {
				problems = append(problems, id+": empty step")
				continue
			}
			if s.Endpoints.Start == "" || s.Endpoints.Progress == "" {
				problems = append(problems, id+": start and progress endpoints are required")
			}
			if s.Result != "" {
				if _, err := report.New(s.Result); err != nil {
					problems = append(problems, fmt.Sprintf("%s: %v", id, err))
				}
			}
			if s.NeedsResult && (s.Endpoints.Result == "" || s.Result == "") {
				problems = append(problems, id+": needs_result requires a result endpoint and kind")
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid flow catalog: %s", strings.Join(problems, "; "))
	}
	return nil
}

// FlowNames returns the flow names in sorted order.
func (c *Catalog) FlowNames() []string {
	names := make([]string, 0, len(c.Flows))
	for n := range c.Flows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Flow looks up a flow by name.
func (c *Catalog) Flow(name string) (*Flow, error) {
	f, ok := c.Flows[name]
	if !ok || f == nil {
		return nil, fmt.Errorf("flow %q: %w", name, ErrNotFound)
	}
	return f, nil
}

// Step looks up a step of a flow.
func (c *Catalog) Step(flowName, stepName string) (*Flow, *Step, error) {
	f, err := c.Flow(flowName)
	if err != nil {
		return nil, nil, err
	}
	s, ok := f.Steps[stepName]
	if !ok || s == nil {
		return nil, nil, fmt.Errorf("step %q of flow %q: %w", stepName, flowName, ErrNotFound)
	}
	return f, s, nil
}

// StepNames returns the step names in sorted order.
func (f *Flow) StepNames() []string {
	names := make([]string, 0, len(f.Steps))
	for n := range f.Steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definition builds the orchestrator definition of s within f.
func (f *Flow) Definition(s *Step) step.Definition {
	def := step.Definition{
		Flow:              f.Name,
		Name:              s.Name,
		SessionKey:        s.SessionKey,
		Endpoints:         s.Endpoints,
		Required:          s.Required,
		Consents:          s.Consents,
		RequireFiles:      s.RequireFiles,
		NextRoute:         s.NextRoute,
		RestartRoute:      f.FirstRoute,
		NeedsResult:       s.NeedsResult,
		EstimatedDuration: s.EstimatedDuration,
	}
	if def.SessionKey == "" {
		def.SessionKey = session.KeySessionID
	}
	if s.Result != "" {
		kind := s.Result
		def.NewResult = func() any {
			v, _ := report.New(kind)
			return v
		}
	}
	return def
}
