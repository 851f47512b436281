package build

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
)

// RotatingLogWriter writes log lines to a size bounded set of files. Rolled
// files are compressed with the configured compressor.
type RotatingLogWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator

	// runErr receives the result of the rotator's run loop once the pipe
	// is closed.
	runErr chan error
}

// NewRotatingLogWriter creates a writer that discards everything until
// InitLogRotator is called.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// InitLogRotator creates the log directory and starts rotating logFile. It
// must be closed on shutdown by calling Close.
func (r *RotatingLogWriter) InitLogRotator(cfg *FileLoggerConfig,
	logFile string) error {

	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	rot, err := rotator.New(
		logFile, int64(cfg.MaxLogFileSize*1024), false,
		cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	if cfg.Compressor == compressorGzip {
		rot.SetCompressor(gzip.NewWriter(nil), ".gz")
	}

	pr, pw := io.Pipe()
	r.rotator = rot
	r.pipe = pw
	r.runErr = make(chan error, 1)

	go func() {
		err := rot.Run(pr)
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"failed to run file rotator: %v\n", err)
		}
		r.runErr <- err
	}()

	return nil
}

// Write writes the byte slice to the log rotator, if present.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	if r.pipe == nil {
		return len(b), nil
	}

	return r.pipe.Write(b)
}

// Close flushes the pending lines and closes the current log file. The
// error of a failed run loop is returned.
func (r *RotatingLogWriter) Close() error {
	if r.pipe == nil {
		return nil
	}

	_ = r.pipe.Close()
	runErr := <-r.runErr

	if err := r.rotator.Close(); err != nil {
		return err
	}

	return runErr
}
