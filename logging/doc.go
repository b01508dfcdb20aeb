// Package logging provides a minimal logging interface and adapters for supportmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, the orchestrator and the HTTP layer use for observability. This
// package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - New, a config driven constructor (level, json/text, output target)
//   - Redacted for values that must never reach log output
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger, closer, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	if err != nil {
//		return err
//	}
//	defer closer.Close()
package logging
