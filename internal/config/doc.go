// Package config provides loading and environment overlay for the Beam
// driver configuration. It exposes a Default() baseline, a YAML/JSON file
// loader, and a BEAM_* environment overlay applied last.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/beam.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil { ... }
//
// Duration fields accept a bare nanosecond count or a number suffixed
// with ns, us, ms, or s, in files, env vars, and channel URIs alike.
package config
