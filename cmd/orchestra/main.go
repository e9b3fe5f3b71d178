package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/edgeflow-ai/orchestra"
	"github.com/edgeflow-ai/orchestra/postgres"
	"github.com/fatih/color"
)

// CLI configuration
type Config struct {
	DefinitionFile string
	Context        map[string]interface{}
	JournalDir     string
	CheckpointDir  string
	PostgresDSN    string
	Timeout        time.Duration
	Verbose        bool
	JSON           bool
	Validate       bool
	ShowSteps      bool
}

func main() {
	config := parseFlags()

	if config.DefinitionFile == "" {
		color.Red("Error: workflow definition file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.DefinitionFile); os.IsNotExist(err) {
		color.Red("Error: definition file '%s' not found", config.DefinitionFile)
		os.Exit(1)
	}

	logger := setupLogger(config)

	color.Blue("Loading definition from: %s", config.DefinitionFile)
	def, err := orchestra.LoadFile(config.DefinitionFile)
	if err != nil {
		log.Fatalf("Failed to load definition: %v", err)
	}

	color.Cyan("Workflow: %s", def.Name())
	if def.Description() != "" {
		color.White("Description: %s", def.Description())
	}

	// Set up the event journal
	var journal orchestra.EventJournal
	if config.JournalDir != "" {
		journal = orchestra.NewFileEventJournal(config.JournalDir)
		color.Blue("Event journal: %s", config.JournalDir)
	} else {
		journal = orchestra.NewNullEventJournal()
	}

	// Set up the checkpointer
	var checkpointer orchestra.Checkpointer
	if config.CheckpointDir != "" {
		checkpointer, err = orchestra.NewFileCheckpointer(config.CheckpointDir)
		if err != nil {
			log.Fatalf("Failed to create checkpointer: %v", err)
		}
		color.Blue("Checkpoints: %s", config.CheckpointDir)
	} else {
		checkpointer = orchestra.NewNullCheckpointer()
	}

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}
	ctx = orchestra.WithLogger(ctx, logger)

	// Set up the durable store
	var store orchestra.DurableStore
	if config.PostgresDSN != "" {
		pg, err := postgres.Open(ctx, config.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		defer pg.Close()
		checkpointer = postgres.NewCheckpointer(pg)
		store = pg
		color.Blue("Durable store: postgres")
	} else {
		store = orchestra.NewMemoryStore()
	}

	engine, err := orchestra.New(orchestra.OrchestratorOptions{
		Store:        store,
		Checkpointer: checkpointer,
		Journal:      journal,
		Logger:       logger,
		Callbacks:    orchestra.NewFormatterCallbacks(orchestra.NewColorFormatter()),
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Cycle detection runs on creation, so -validate only needs to try it
	workflow, err := engine.CreateWorkflow(ctx, def)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	if config.Validate {
		color.Green("Definition is valid (%d steps, %d dependencies)",
			len(def.Steps()), len(def.Dependencies()))
		return
	}

	for key, value := range config.Context {
		engine.Machine().SetContext(workflow.ID, key, value)
	}

	color.Green("Created workflow %s", workflow.ID)
	if err := engine.Start(ctx, workflow.ID); err != nil {
		log.Fatalf("Failed to start workflow: %v", err)
	}

	if config.ShowSteps {
		showSteps(ctx, engine, workflow.ID, config)
	}
}

func parseFlags() *Config {
	config := &Config{
		Context: make(map[string]interface{}),
	}

	flag.StringVar(&config.DefinitionFile, "file", "", "Path to the YAML workflow definition file (required)")
	flag.StringVar(&config.DefinitionFile, "f", "", "Path to the YAML workflow definition file (shorthand)")

	var contextFlags stringSlice
	flag.Var(&contextFlags, "context", "Guard context variable in format key=value (can be used multiple times)")
	flag.Var(&contextFlags, "c", "Guard context variable in format key=value (shorthand)")

	flag.StringVar(&config.JournalDir, "journal", "", "Directory to store event journals (optional)")
	flag.StringVar(&config.JournalDir, "j", "", "Directory to store event journals (shorthand)")

	flag.StringVar(&config.CheckpointDir, "checkpoints", "", "Directory to store workflow checkpoints (optional)")
	flag.StringVar(&config.CheckpointDir, "e", "", "Directory to store workflow checkpoints (shorthand)")

	flag.StringVar(&config.PostgresDSN, "postgres", "", "PostgreSQL DSN for durable state (optional)")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Orchestration timeout (e.g., 30s, 5m, 1h)")
	flag.DurationVar(&config.Timeout, "t", 0, "Orchestration timeout (shorthand)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")

	flag.BoolVar(&config.JSON, "json", false, "Output step states in JSON format")
	flag.BoolVar(&config.Validate, "validate", false, "Validate the definition (including cycle detection) and exit")
	flag.BoolVar(&config.ShowSteps, "show-steps", true, "Show step states after start (default: true)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Orchestra CLI - Validate and run YAML-defined workflow orchestrations

Usage: %s [options] -file <workflow.yaml>

Examples:
  # Validate a definition, including dependency cycle detection
  %s -file pipeline.yaml -validate

  # Create and start a workflow with guard context
  %s -file pipeline.yaml -context region=eu -context batch=5

  # Run with an event journal and checkpoint directory
  %s -file pipeline.yaml -journal ./journal -checkpoints ./checkpoints

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, `
Dependency Types:
  sequential  - Target starts only after source completes
  parallel    - Target starts once source is scheduled
  conditional - Target starts when the guard expression is true
  resource    - Target starts when the named resource is free
  dataflow    - Target starts when the source's artifact exists

Context Format:
  Use -context key=value for each guard variable.
  Values are parsed as JSON if possible, otherwise as strings.

`)
	}

	flag.Parse()

	for _, entry := range contextFlags {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid context format '%s'. Use key=value\n", entry)
			os.Exit(1)
		}
		key, value := parts[0], parts[1]
		var parsedValue interface{}
		if err := json.Unmarshal([]byte(value), &parsedValue); err != nil {
			parsedValue = value
		}
		config.Context[key] = parsedValue
	}

	return config
}

// Custom flag type for handling multiple context values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func setupLogger(config *Config) *slog.Logger {
	if config.JSON {
		return orchestra.NewJSONLogger()
	}
	if config.Verbose {
		return orchestra.NewLogger()
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func showSteps(ctx context.Context, engine *orchestra.Orchestrator, workflowID string, config *Config) {
	steps, err := engine.Steps(ctx, workflowID)
	if err != nil {
		color.Red("Error: %v", err)
		return
	}
	fmt.Printf("\n")
	color.Magenta("Steps:")
	if config.JSON {
		data, err := json.MarshalIndent(steps, "", "  ")
		if err != nil {
			fmt.Printf("Error formatting steps: %v\n", err)
			return
		}
		fmt.Println(string(data))
		return
	}
	for _, step := range steps {
		fmt.Printf("  %s (%s): %s\n", step.Name, step.ID, step.State)
	}
}
