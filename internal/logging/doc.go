// Package logging provides structured logging for scratchsync.
//
// Logger wraps Zap with:
//   - a custom Trace level (-2, below Debug)
//   - stdout/stderr output plus an optional OpenTelemetry bridge
//   - automatic context fields (trace_id, user.id, project.client_id, request.id)
//   - encoder-level secret redaction (session cookies and JWT-shaped values)
//   - level-aware sampling (errors never sampled)
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithClientProjectID(ctx, "1735123456789")
//	logger.Info(ctx, "project saved", zap.Int64("file_id", 42))
//
// The session credential must never be logged raw. Use RedactedString or
// Secret when a credential has to appear in a log line at all.
//
// Use NewTestLogger in tests to assert on emitted entries.
package logging
