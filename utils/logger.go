package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

// DefaultLogger is slog with every message prefixed and the context
// args of WithDefaultArgs appended to the *Ctx calls.
type DefaultLogger struct {
	logger *slog.Logger
}

// NewDefaultLogger logs text to stderr.
func NewDefaultLogger(level slog.Level) *DefaultLogger {
	return NewLogger(os.Stderr, level, false)
}

func NewLogger(w io.Writer, level slog.Level, json bool) *DefaultLogger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if json {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &DefaultLogger{logger: slog.New(handler)}
}

// ParseLevel reads debug, info, warn or error, any case.
func ParseLevel(name string) (level slog.Level, err error) {
	if err = level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("bad log level %q", name)
	}
	return level, nil
}

const prefix = "[blockdoc] "

func (d *DefaultLogger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.Log(ctx, level, prefix+msg, args...)
}

func (d *DefaultLogger) Debug(msg string, args ...any) {
	d.log(context.Background(), slog.LevelDebug, msg, args)
}

func (d *DefaultLogger) Info(msg string, args ...any) {
	d.log(context.Background(), slog.LevelInfo, msg, args)
}

func (d *DefaultLogger) Warn(msg string, args ...any) {
	d.log(context.Background(), slog.LevelWarn, msg, args)
}

func (d *DefaultLogger) Error(msg string, args ...any) {
	d.log(context.Background(), slog.LevelError, msg, args)
}

type defaultArgsKey struct{}

func getDefaultArgs(ctx context.Context) []any {
	args, _ := ctx.Value(defaultArgsKey{}).([]any)
	return args
}

// WithDefaultArgs adds key/value pairs every *Ctx call with ctx logs.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	parent := getDefaultArgs(ctx)
	dargs := make([]any, 0, len(parent)+len(args))
	dargs = append(append(dargs, parent...), args...)
	return context.WithValue(ctx, defaultArgsKey{}, dargs)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelDebug, msg, args)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelInfo, msg, args)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelWarn, msg, args)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelError, msg, args)
}
