// Package workflow parses the ordered step list and command-template table
// once at startup and exposes typed accessors to the rest of the Conductor.
// There is no hot-reload: a bad workflow file is a fatal configuration
// error discovered before the event loop ever starts.
package workflow

import (
	"fmt"
	"os"
	"strings"

	"github.com/evalgo/conductor/internal/conductorerr"
	"github.com/evalgo/conductor/internal/model"
	"gopkg.in/yaml.v3"
)

// Step is one node of the ordered workflow.
type Step struct {
	Name         string          `yaml:"name"`
	Type         model.StepKind  `yaml:"type"`
	Progress     int             `yaml:"progress"`
	TemplateKey  string          `yaml:"command_template_key,omitempty"`
}

// RequiresGPU reports whether this step needs a reserved GPU slot.
func (s Step) RequiresGPU() bool {
	return s.Type == model.StepExecute
}

// file is the on-disk YAML shape decoded by Load.
type file struct {
	Steps            []Step            `yaml:"steps"`
	CommandTemplates map[string]string `yaml:"command_templates"`
}

// Definition is the parsed, validated, in-memory workflow.
type Definition struct {
	steps     []Step
	byName    map[string]int // step name -> index
	templates map[string]string
}

// Load reads and validates a workflow definition file. A defect — a
// duplicate step name, an unknown step type, an execute step with no
// matching command template — is reported as a ConfigurationError, so it
// fails the process at startup, never mid-run. An empty step list is not
// an error here; callers check Empty.
func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, conductorerr.New(conductorerr.ConfigurationError, "read workflow file", err)
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, conductorerr.New(conductorerr.ConfigurationError, "parse workflow file", err)
	}

	return build(f.Steps, f.CommandTemplates)
}

func build(steps []Step, templates map[string]string) (*Definition, error) {
	byName := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.Name == "" {
			return nil, conductorerr.New(conductorerr.ConfigurationError, fmt.Sprintf("step %d has no name", i), nil)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, conductorerr.New(conductorerr.ConfigurationError, fmt.Sprintf("duplicate step name %q", s.Name), nil)
		}
		switch s.Type {
		case model.StepUpload, model.StepExecute, model.StepDownload:
		default:
			return nil, conductorerr.New(conductorerr.ConfigurationError, fmt.Sprintf("step %q has unknown type %q", s.Name, s.Type), nil)
		}
		if s.Type == model.StepExecute {
			if s.TemplateKey == "" {
				return nil, conductorerr.New(conductorerr.ConfigurationError, fmt.Sprintf("execute step %q has no command_template_key", s.Name), nil)
			}
			if _, ok := templates[s.TemplateKey]; !ok {
				return nil, conductorerr.New(conductorerr.ConfigurationError, fmt.Sprintf("execute step %q references missing template %q", s.Name, s.TemplateKey), nil)
			}
		}
		byName[s.Name] = i
	}

	return &Definition{steps: steps, byName: byName, templates: templates}, nil
}

// Empty reports whether the workflow has no steps at all.
func (d *Definition) Empty() bool {
	return len(d.steps) == 0
}

// FirstStep returns the first step, or false if the workflow is empty.
func (d *Definition) FirstStep() (Step, bool) {
	if d.Empty() {
		return Step{}, false
	}
	return d.steps[0], true
}

// NextStep returns the step following current, or false if current is the
// last step (end of workflow).
func (d *Definition) NextStep(current string) (Step, bool) {
	idx, ok := d.byName[current]
	if !ok || idx+1 >= len(d.steps) {
		return Step{}, false
	}
	return d.steps[idx+1], true
}

// StepByName looks up a step by its unique name.
func (d *Definition) StepByName(name string) (Step, bool) {
	idx, ok := d.byName[name]
	if !ok {
		return Step{}, false
	}
	return d.steps[idx], true
}

// RenderCommand substitutes {case_id} and {gpu_id} into the command
// template registered for step. Returns a ConfigurationError if the step is
// not an execute step or its template was somehow removed after Load
// validated it (should not happen, but rendering never guesses).
func (d *Definition) RenderCommand(step Step, caseID string, gpuIndex int) (string, error) {
	if step.Type != model.StepExecute {
		return "", conductorerr.New(conductorerr.ConfigurationError, fmt.Sprintf("step %q is not an execute step", step.Name), nil)
	}
	tmpl, ok := d.templates[step.TemplateKey]
	if !ok {
		return "", conductorerr.New(conductorerr.ConfigurationError, fmt.Sprintf("no command template for key %q", step.TemplateKey), nil)
	}

	r := strings.NewReplacer(
		"{case_id}", caseID,
		"{gpu_id}", fmt.Sprintf("%d", gpuIndex),
	)
	return r.Replace(tmpl), nil
}
