package orchestra

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// DependencyType describes how a step depends on another step.
type DependencyType string

const (
	// DependencySequential requires the source step to be completed.
	DependencySequential DependencyType = "sequential"

	// DependencyParallel requires only that the source step has been
	// scheduled, not that it has finished.
	DependencyParallel DependencyType = "parallel"

	// DependencyConditional evaluates a guard expression against the
	// current workflow context.
	DependencyConditional DependencyType = "conditional"

	// DependencyResource requires a named resource to be unclaimed.
	DependencyResource DependencyType = "resource"

	// DependencyDataFlow requires the source step to have completed and
	// produced a named artifact.
	DependencyDataFlow DependencyType = "dataflow"
)

// Dependency is a directed edge between two steps. The target step may not
// start until the edge's condition is satisfied.
type Dependency struct {
	Source   string         `json:"source" yaml:"source"`
	Target   string         `json:"target" yaml:"target"`
	Type     DependencyType `json:"type" yaml:"type"`
	Guard    string         `json:"guard,omitempty" yaml:"guard,omitempty"`
	Resource string         `json:"resource,omitempty" yaml:"resource,omitempty"`
	Artifact string         `json:"artifact,omitempty" yaml:"artifact,omitempty"`
}

// StepDefinition declares a single assignable unit of work. Step semantics
// are opaque to the orchestrator; only the name, the capability required of
// an agent, and the declared resource usage matter here.
type StepDefinition struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Capability  string        `json:"capability,omitempty" yaml:"capability,omitempty"`
	Resource    string        `json:"resource,omitempty" yaml:"resource,omitempty"`
	Produces    string        `json:"produces,omitempty" yaml:"produces,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries  int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Options are used to configure a workflow definition.
type Options struct {
	Name           string            `json:"name" yaml:"name"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Tenant         string            `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	Priority       int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Steps          []*StepDefinition `json:"steps" yaml:"steps"`
	Dependencies   []*Dependency     `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Consistency    ConsistencyLevel  `json:"consistency,omitempty" yaml:"consistency,omitempty"`
	StalenessBound time.Duration     `json:"staleness_bound,omitempty" yaml:"staleness_bound,omitempty"`
	FailureQuorum  float64           `json:"failure_quorum,omitempty" yaml:"failure_quorum,omitempty"`
}

// Definition describes a repeatable orchestrated process: a set of steps,
// the typed dependency edges between them, and the policies that govern
// execution. The acyclicity of the dependency edges is enforced by the
// dependency graph at workflow creation, not here.
type Definition struct {
	name           string
	description    string
	tenant         string
	priority       int
	steps          []*StepDefinition
	stepsByName    map[string]*StepDefinition
	dependencies   []*Dependency
	consistency    ConsistencyLevel
	stalenessBound time.Duration
	failureQuorum  float64
}

// NewDefinition returns a new Definition configured with the given options.
func NewDefinition(opts Options) (*Definition, error) {
	if opts.Name == "" {
		return nil, NewError(ErrorTypeValidation, "workflow name required")
	}
	if len(opts.Steps) == 0 {
		return nil, NewError(ErrorTypeValidation, "steps required")
	}
	stepsByName := make(map[string]*StepDefinition, len(opts.Steps))
	for _, step := range opts.Steps {
		if step.Name == "" {
			return nil, NewError(ErrorTypeValidation, "step name required")
		}
		if _, exists := stepsByName[step.Name]; exists {
			return nil, NewErrorf(ErrorTypeValidation, "duplicate step name %q", step.Name)
		}
		stepsByName[step.Name] = step
	}
	for _, dep := range opts.Dependencies {
		if err := validateDependency(dep, stepsByName); err != nil {
			return nil, err
		}
	}
	if opts.Consistency == "" {
		opts.Consistency = ConsistencyEventual
	}
	if opts.FailureQuorum < 0 || opts.FailureQuorum > 1 {
		return nil, NewErrorf(ErrorTypeValidation, "failure quorum must be in [0,1], got %v", opts.FailureQuorum)
	}
	if opts.FailureQuorum == 0 {
		opts.FailureQuorum = DefaultFailureQuorum
	}
	return &Definition{
		name:           opts.Name,
		description:    opts.Description,
		tenant:         opts.Tenant,
		priority:       opts.Priority,
		steps:          opts.Steps,
		stepsByName:    stepsByName,
		dependencies:   opts.Dependencies,
		consistency:    opts.Consistency,
		stalenessBound: opts.StalenessBound,
		failureQuorum:  opts.FailureQuorum,
	}, nil
}

// DefaultFailureQuorum is the fraction of failed parallel siblings required
// to propagate failure to a shared dependent.
const DefaultFailureQuorum = 0.5

func validateDependency(dep *Dependency, steps map[string]*StepDefinition) error {
	if dep.Source == "" || dep.Target == "" {
		return NewError(ErrorTypeValidation, "dependency source and target required")
	}
	if _, ok := steps[dep.Source]; !ok {
		return NewErrorf(ErrorTypeValidation, "dependency source step %q not found", dep.Source)
	}
	if _, ok := steps[dep.Target]; !ok {
		return NewErrorf(ErrorTypeValidation, "dependency target step %q not found", dep.Target)
	}
	switch dep.Type {
	case DependencySequential, DependencyParallel:
	case DependencyConditional:
		if dep.Guard == "" {
			return NewErrorf(ErrorTypeValidation, "conditional dependency %s->%s requires a guard", dep.Source, dep.Target)
		}
	case DependencyResource:
		if dep.Resource == "" {
			return NewErrorf(ErrorTypeValidation, "resource dependency %s->%s requires a resource name", dep.Source, dep.Target)
		}
	case DependencyDataFlow:
		if dep.Artifact == "" {
			return NewErrorf(ErrorTypeValidation, "dataflow dependency %s->%s requires an artifact name", dep.Source, dep.Target)
		}
	default:
		return NewErrorf(ErrorTypeValidation, "unknown dependency type %q", dep.Type)
	}
	return nil
}

// Name returns the definition name
func (d *Definition) Name() string {
	return d.name
}

// Description returns the definition description
func (d *Definition) Description() string {
	return d.description
}

// Tenant returns the owning tenant or domain
func (d *Definition) Tenant() string {
	return d.tenant
}

// Priority returns the workflow priority. Higher values win conflicts under
// priority-based resolution.
func (d *Definition) Priority() int {
	return d.priority
}

// Steps returns the declared steps in submission order
func (d *Definition) Steps() []*StepDefinition {
	return d.steps
}

// Dependencies returns the declared dependency edges
func (d *Definition) Dependencies() []*Dependency {
	return d.dependencies
}

// Consistency returns the consistency level for this workflow class
func (d *Definition) Consistency() ConsistencyLevel {
	return d.consistency
}

// StalenessBound returns the maximum replica lag tolerated under
// bounded-staleness consistency.
func (d *Definition) StalenessBound() time.Duration {
	return d.stalenessBound
}

// FailureQuorum returns the parallel-sibling failure threshold
func (d *Definition) FailureQuorum() float64 {
	return d.failureQuorum
}

// GetStep returns a step definition by name
func (d *Definition) GetStep(name string) (*StepDefinition, bool) {
	step, ok := d.stepsByName[name]
	return step, ok
}

// StepNames returns the names of all steps in the definition
func (d *Definition) StepNames() []string {
	names := make([]string, 0, len(d.stepsByName))
	for name := range d.stepsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DependenciesOn returns the declared edges targeting the named step
func (d *Definition) DependenciesOn(step string) []*Dependency {
	var deps []*Dependency
	for _, dep := range d.dependencies {
		if dep.Target == step {
			deps = append(deps, dep)
		}
	}
	return deps
}

// LoadFile loads a workflow definition from a YAML file
func LoadFile(path string) (*Definition, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	var opts Options
	if err := yaml.Unmarshal(yamlData, &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition file: %w", err)
	}
	return NewDefinition(opts)
}

// LoadString loads a workflow definition from a YAML string
func LoadString(data string) (*Definition, error) {
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return NewDefinition(opts)
}
