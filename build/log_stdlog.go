//go:build stdlog
// +build stdlog

package build

import "os"

// LoggingType is a log type that only writes to stdout.
const LoggingType = LogTypeStdOut

// Write writes the provided byte slice to the console, or stdout if no
// console is set. The rotator is never written to.
func (w *LogWriter) Write(b []byte) (int, error) {
	if w.Console != nil {
		return w.Console.Write(b)
	}

	return os.Stdout.Write(b)
}
