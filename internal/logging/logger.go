// Package logging adapts the framework's Logger/ComponentAwareLogger
// contract (core/interfaces.go) onto zerolog, in place of the teacher's
// hand-rolled ProductionLogger. The interface is kept; the backend changes.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/jobop/agentcoord/core"
	"github.com/rs/zerolog"
)

// ZerologLogger implements core.ComponentAwareLogger over a zerolog.Logger.
type ZerologLogger struct {
	log       zerolog.Logger
	component string
}

// New builds the root logger. Pretty-prints to stderr when dev is true,
// otherwise emits single-line JSON suitable for log aggregation.
func New(dev bool) *ZerologLogger {
	var w io.Writer = os.Stderr
	if dev {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	l := zerolog.New(w).With().Timestamp().Logger()
	return &ZerologLogger{log: l, component: "framework/core"}
}

func (z *ZerologLogger) WithComponent(component string) core.Logger {
	return &ZerologLogger{log: z.log, component: component}
}

func (z *ZerologLogger) event(level zerolog.Level, msg string, fields map[string]interface{}) {
	e := z.log.WithLevel(level).Str("component", z.component)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (z *ZerologLogger) Info(msg string, fields map[string]interface{})  { z.event(zerolog.InfoLevel, msg, fields) }
func (z *ZerologLogger) Error(msg string, fields map[string]interface{}) { z.event(zerolog.ErrorLevel, msg, fields) }
func (z *ZerologLogger) Warn(msg string, fields map[string]interface{})  { z.event(zerolog.WarnLevel, msg, fields) }
func (z *ZerologLogger) Debug(msg string, fields map[string]interface{}) { z.event(zerolog.DebugLevel, msg, fields) }

func withCorrelation(fields map[string]interface{}, ctx context.Context) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if taskID, ok := ctx.Value(taskIDKey{}).(string); ok && taskID != "" {
		out["task_id"] = taskID
	}
	return out
}

type taskIDKey struct{}

// WithTaskID returns a context carrying a task_id for correlation, threaded
// through every *WithContext log call made downstream.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

func (z *ZerologLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.Info(msg, withCorrelation(fields, ctx))
}
func (z *ZerologLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.Error(msg, withCorrelation(fields, ctx))
}
func (z *ZerologLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.Warn(msg, withCorrelation(fields, ctx))
}
func (z *ZerologLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.Debug(msg, withCorrelation(fields, ctx))
}

var _ core.ComponentAwareLogger = (*ZerologLogger)(nil)
