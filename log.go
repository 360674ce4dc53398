package glbopt

import (
	"context"
	"log/slog"
	"sync/atomic"
)

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

var logger atomic.Pointer[slog.Logger]

func init() { logger.Store(newNopLogger()) }

// SetLogger routes package log output to l. Passing nil silences it again;
// the package is silent by default so library users opt in.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	logger.Store(l)
}

// Logger returns the logger installed by SetLogger.
func Logger() *slog.Logger { return logger.Load() }
