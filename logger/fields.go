package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across automaton.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldScheduleID   = "schedule_id"
	FieldGroup        = "group"
	FieldTriggerID    = "trigger_id"
	FieldConstraintID = "constraint_id"
	FieldCacheID      = "cache_id"
	FieldSource       = "source"
	FieldToken        = "token"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldURL       = "url"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"
	FieldAttempt   = "attempt"
	FieldRetries   = "max_retries"

	// Counts
	FieldCount      = "count"
	FieldBatchSize  = "batch_size"
	FieldTotalCount = "total_count"

	// State
	FieldState     = "state"
	FieldPrevState = "prev_state"

	// Glyph marker (sym package)
	FieldSymbol = "symbol"
)

type contextKey string

const (
	scheduleIDKey contextKey = "logger_schedule_id"
	componentKey  contextKey = "logger_component"
)

// WithScheduleID adds a schedule ID to the context for logging
func WithScheduleID(ctx context.Context, scheduleID string) context.Context {
	return context.WithValue(ctx, scheduleIDKey, scheduleID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(scheduleIDKey).(string); ok && id != "" {
		fields = append(fields, FieldScheduleID, id)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext decorates base with fields extracted from ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
