// Package logging provides the structured logging facade used across slackmcp.
//
// It is a thin layer over Go's standard slog package. Every log call carries a
// subsystem identifier ("OAuth", "Storage", "Tools", ...) so that entries from
// concurrent request handlers can be attributed without per-package loggers.
//
// Usage:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Debug("OAuth", "stored token for user=%s", logging.TruncateID(userID))
//
// Identifiers and tokens must be passed through TruncateID before logging.
package logging
