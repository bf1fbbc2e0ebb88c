package logging

// DiscardLogger is a no-op logger that discards all log messages. blue's
// compaction and setsum-heavy benchmarks default to this to keep noise out
// of profiling runs.
//
// Fatalf on DiscardLogger does nothing: it neither logs nor calls a
// FatalHandler.
type DiscardLogger struct{}

// Discard is the singleton discard logger.
var Discard Logger = &DiscardLogger{}

// Errorf implements Logger.
func (l *DiscardLogger) Errorf(format string, args ...any) {}

// Warnf implements Logger.
func (l *DiscardLogger) Warnf(format string, args ...any) {}

// Infof implements Logger.
func (l *DiscardLogger) Infof(format string, args ...any) {}

// Debugf implements Logger.
func (l *DiscardLogger) Debugf(format string, args ...any) {}

// Fatalf implements Logger.
// On DiscardLogger, this is a no-op.
func (l *DiscardLogger) Fatalf(format string, args ...any) {}
