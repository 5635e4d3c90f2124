// Package log provides Beam's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. A custom slog handler writes
// through the same formatter/outputs pipeline, so libraries holding a
// *slog.Logger share the same output as the driver's own agents.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("conductor"))
//	l.Info("driver started", log.Str("dir", "/dev/shm/beam"), log.Int("pid", 4242))
//
// # Configuration
//
// BEAM_LOG_LEVEL selects the minimum level (debug|info|warn|error) and
// BEAM_LOG_FORMAT the output format (text|json) for FromEnv.
//
// # Interop
//
// RedirectStdLog routes the standard library's default logger through a
// Logger so stray library output lands in the same stream.
package log
