package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/athenaq/athenaq/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// NewLogger returns the process logger. Every entry carries the service,
// profile and query backend; athena deployments also carry the region.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{
		Level:       cfg.Observability.LogLevel,
		ReplaceAttr: durationAsMillis,
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	attrs := []any{
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
		slog.String("backend", string(cfg.Athena.Backend)),
	}
	if cfg.Athena.Backend == config.BackendAthena && cfg.Athena.Region != "" {
		attrs = append(attrs, slog.String("region", cfg.Athena.Region))
	}
	return slog.New(handler).With(attrs...)
}

// ExecutionLogger scopes logger to one query execution. The request trace id
// is attached when ctx carries one. A nil logger discards.
func ExecutionLogger(ctx context.Context, logger *slog.Logger, executionID string) *slog.Logger {
	if logger == nil {
		logger = DiscardLogger()
	}
	attrs := []any{slog.String("execution_id", executionID)}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	return logger.With(attrs...)
}

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// durationAsMillis renders duration attrs as integer milliseconds so log
// lines line up with the duration_ms field of query responses.
func durationAsMillis(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindDuration {
		return attr
	}
	return slog.Int64(attr.Key+"_ms", attr.Value.Duration().Milliseconds())
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
