//go:build !stdlog
// +build !stdlog

package build

// LoggingType is a log type that writes to the console and the log rotator,
// if present.
const LoggingType = LogTypeDefault

// Write writes the byte slice to the console and the log rotator, whichever
// are set.
func (w *LogWriter) Write(b []byte) (int, error) {
	if w.Console != nil {
		_, _ = w.Console.Write(b)
	}
	if w.RotatorPipe != nil {
		_, _ = w.RotatorPipe.Write(b)
	}

	return len(b), nil
}
