package orchestra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDefinition(t *testing.T) {
	t.Run("minimal", func(t *testing.T) {
		def, err := NewDefinition(Options{
			Name:  "minimal",
			Steps: []*StepDefinition{{Name: "only"}},
		})
		require.NoError(t, err)
		require.Equal(t, "minimal", def.Name())
		require.Equal(t, ConsistencyEventual, def.Consistency())
		require.Equal(t, DefaultFailureQuorum, def.FailureQuorum())
	})

	t.Run("name and steps are required", func(t *testing.T) {
		_, err := NewDefinition(Options{Steps: []*StepDefinition{{Name: "s"}}})
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))

		_, err = NewDefinition(Options{Name: "empty"})
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))

		_, err = NewDefinition(Options{Name: "anon", Steps: []*StepDefinition{{}}})
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))
	})

	t.Run("duplicate step names", func(t *testing.T) {
		_, err := NewDefinition(Options{
			Name:  "dup",
			Steps: []*StepDefinition{{Name: "s"}, {Name: "s"}},
		})
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))
		require.Contains(t, err.Error(), "duplicate step name")
	})

	t.Run("failure quorum bounds", func(t *testing.T) {
		base := Options{Name: "q", Steps: []*StepDefinition{{Name: "s"}}}

		base.FailureQuorum = 1.5
		_, err := NewDefinition(base)
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))

		base.FailureQuorum = -0.1
		_, err = NewDefinition(base)
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))

		base.FailureQuorum = 1.0
		def, err := NewDefinition(base)
		require.NoError(t, err)
		require.Equal(t, 1.0, def.FailureQuorum())
	})
}

func TestValidateDependency(t *testing.T) {
	steps := []*StepDefinition{{Name: "a"}, {Name: "b"}}
	build := func(dep *Dependency) error {
		_, err := NewDefinition(Options{
			Name: "deps", Steps: steps, Dependencies: []*Dependency{dep},
		})
		return err
	}

	t.Run("endpoints must exist", func(t *testing.T) {
		err := build(&Dependency{Source: "a", Target: "ghost", Type: DependencySequential})
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))
		err = build(&Dependency{Source: "ghost", Target: "b", Type: DependencySequential})
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))
		err = build(&Dependency{Target: "b", Type: DependencySequential})
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))
	})

	t.Run("sequential and parallel need nothing extra", func(t *testing.T) {
		require.NoError(t, build(&Dependency{Source: "a", Target: "b", Type: DependencySequential}))
		require.NoError(t, build(&Dependency{Source: "a", Target: "b", Type: DependencyParallel}))
	})

	t.Run("conditional requires a guard", func(t *testing.T) {
		err := build(&Dependency{Source: "a", Target: "b", Type: DependencyConditional})
		require.Error(t, err)
		require.Contains(t, err.Error(), "guard")
		require.NoError(t, build(&Dependency{
			Source: "a", Target: "b", Type: DependencyConditional, Guard: "true",
		}))
	})

	t.Run("resource requires a resource name", func(t *testing.T) {
		err := build(&Dependency{Source: "a", Target: "b", Type: DependencyResource})
		require.Error(t, err)
		require.NoError(t, build(&Dependency{
			Source: "a", Target: "b", Type: DependencyResource, Resource: "gpu",
		}))
	})

	t.Run("dataflow requires an artifact name", func(t *testing.T) {
		err := build(&Dependency{Source: "a", Target: "b", Type: DependencyDataFlow})
		require.Error(t, err)
		require.NoError(t, build(&Dependency{
			Source: "a", Target: "b", Type: DependencyDataFlow, Artifact: "features",
		}))
	})

	t.Run("unknown type", func(t *testing.T) {
		err := build(&Dependency{Source: "a", Target: "b", Type: "psychic"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown dependency type")
	})
}

func TestDefinitionAccessors(t *testing.T) {
	def, err := NewDefinition(Options{
		Name:           "etl",
		Description:    "nightly ingest",
		Tenant:         "plant-7",
		Priority:       5,
		Consistency:    ConsistencyBounded,
		StalenessBound: 10 * time.Second,
		Steps: []*StepDefinition{
			{Name: "extract", Produces: "raw"},
			{Name: "load", Capability: "db"},
		},
		Dependencies: []*Dependency{
			{Source: "extract", Target: "load", Type: DependencyDataFlow, Artifact: "raw"},
		},
	})
	require.NoError(t, err)

	require.Equal(t, "nightly ingest", def.Description())
	require.Equal(t, "plant-7", def.Tenant())
	require.Equal(t, 5, def.Priority())
	require.Equal(t, ConsistencyBounded, def.Consistency())
	require.Equal(t, 10*time.Second, def.StalenessBound())
	require.Equal(t, []string{"extract", "load"}, def.StepNames())

	step, ok := def.GetStep("load")
	require.True(t, ok)
	require.Equal(t, "db", step.Capability)
	_, ok = def.GetStep("ghost")
	require.False(t, ok)

	deps := def.DependenciesOn("load")
	require.Len(t, deps, 1)
	require.Equal(t, "extract", deps[0].Source)
	require.Empty(t, def.DependenciesOn("extract"))
}

const pipelineYAML = `
name: ingest
description: hourly sensor ingest
priority: 3
consistency: bounded_staleness
failure_quorum: 0.75
steps:
  - name: collect
    capability: sensors
    produces: readings
  - name: aggregate
    resource: gpu-0
  - name: publish
dependencies:
  - source: collect
    target: aggregate
    type: dataflow
    artifact: readings
  - source: aggregate
    target: publish
    type: sequential
`

func TestLoadString(t *testing.T) {
	def, err := LoadString(pipelineYAML)
	require.NoError(t, err)
	require.Equal(t, "ingest", def.Name())
	require.Equal(t, 3, def.Priority())
	require.Equal(t, ConsistencyBounded, def.Consistency())
	require.Equal(t, 0.75, def.FailureQuorum())
	require.Len(t, def.Steps(), 3)
	require.Len(t, def.Dependencies(), 2)

	step, ok := def.GetStep("aggregate")
	require.True(t, ok)
	require.Equal(t, "gpu-0", step.Resource)

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := LoadString("{not yaml")
		require.Error(t, err)
	})

	t.Run("valid yaml failing validation", func(t *testing.T) {
		_, err := LoadString("name: nameless\n")
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipelineYAML), 0644))

	def, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "ingest", def.Name())

	_, err = LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
