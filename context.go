package orchestra

import (
	"context"
	"log/slog"

	"github.com/edgeflow-ai/orchestra/script"
)

type ContextKey string

const (
	LoggerContextKey    ContextKey = "logger"
	VariablesContextKey ContextKey = "variables"
	CompilerContextKey  ContextKey = "compiler"
)

// WithLogger attaches a logger for external collaborators (guard scripts,
// safety evaluators) invoked during orchestration.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// WithVariables attaches the workflow's guard context variables
func WithVariables(ctx context.Context, variables VariableContainer) context.Context {
	return context.WithValue(ctx, VariablesContextKey, variables)
}

// WithCompiler attaches the script compiler
func WithCompiler(ctx context.Context, compiler script.Compiler) context.Context {
	return context.WithValue(ctx, CompilerContextKey, compiler)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

func GetVariablesFromContext(ctx context.Context) (VariableContainer, bool) {
	variables, ok := ctx.Value(VariablesContextKey).(VariableContainer)
	return variables, ok
}

func GetCompilerFromContext(ctx context.Context) (script.Compiler, bool) {
	compiler, ok := ctx.Value(CompilerContextKey).(script.Compiler)
	return compiler, ok
}
