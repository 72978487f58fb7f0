package logutil

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

const LevelTrace slog.Level = -8

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				switch attr.Value.Any().(slog.Level) {
				case LevelTrace:
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

type key string

func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.TODO(), key("skip"), 1), msg, args...)
}

func TraceContext(ctx context.Context, msg string, args ...any) {
	log(ctx, LevelTrace, msg, args...)
}

// Values logs named scalars, such as a loss breakdown, as one record with
// one attribute per value in iteration order.
func Values(ctx context.Context, level slog.Level, msg string, values iter.Seq2[string, float64]) {
	if !slog.Default().Enabled(ctx, level) {
		return
	}

	var args []any
	for k, v := range values {
		args = append(args, slog.Float64(k, v))
	}
	log(ctx, level, msg, args...)
}

func log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if logger := slog.Default(); logger.Enabled(ctx, level) {
		skip, _ := ctx.Value(key("skip")).(int)
		pc, _, _, _ := runtime.Caller(2 + skip)
		record := slog.NewRecord(time.Now(), level, msg, pc)
		record.Add(args...)
		logger.Handler().Handle(ctx, record)
	}
}
