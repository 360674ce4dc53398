package glbopt

import "log/slog"

// Services bundles the cross-cutting collaborators the optimizer needs, so
// construction sites can swap any of them without touching package state.
type Services struct {
	Logger  *slog.Logger
	Files   *FileValidator
	Params  *ParameterValidator
	Monitor *PerformanceMonitor
}

// NewServices wires the default collaborators. A nil logger falls back to
// the package logger installed via SetLogger.
func NewServices(cfg *Config, logger *slog.Logger) *Services {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = Logger()
	}
	return &Services{
		Logger:  logger,
		Files:   NewFileValidator(cfg),
		Params:  &ParameterValidator{},
		Monitor: NewPerformanceMonitor(),
	}
}
