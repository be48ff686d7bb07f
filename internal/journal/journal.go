// Package journal keeps an append-only record of unexpected errors.
package journal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FailureObserver receives the outcome of every sink write.
type FailureObserver interface {
	ObserveJournalWrite(err error)
}

type Config struct {
	// Path of the log file, usually <dataDir>/error.log.
	Path string
	// Echo receives a copy of records when requested. Defaults to os.Stderr.
	Echo     io.Writer
	Logger   *slog.Logger
	Observer FailureObserver
	Now      func() time.Time
}

// Journal appends timestamped error records to a file. The file is opened and
// closed on every record so rotation by external tools is safe.
type Journal struct {
	path     string
	echo     io.Writer
	logger   *slog.Logger
	observer FailureObserver
	now      func() time.Time

	mu sync.Mutex
}

func New(cfg Config) *Journal {
	echo := cfg.Echo
	if echo == nil {
		echo = os.Stderr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Journal{
		path:     cfg.Path,
		echo:     echo,
		logger:   logger,
		observer: cfg.Observer,
		now:      now,
	}
}

// Path returns the sink location.
func (j *Journal) Path() string {
	return j.path
}

// Record appends err to the journal and, when alsoEcho is set, writes it to
// the echo stream as well. Sink failures are logged at warn level and never
// returned.
func (j *Journal) Record(err error, alsoEcho bool) {
	if j == nil || err == nil {
		return
	}
	line := j.format(err.Error())
	if alsoEcho {
		j.writeEcho(err)
	}
	j.append(line)
}

// RecordPanic journals a recovered panic value with its stack and echoes it.
func (j *Journal) RecordPanic(value any, stack []byte) {
	if j == nil {
		return
	}
	message := fmt.Sprintf("panic: %v", value)
	if len(stack) > 0 {
		message += "\n" + strings.TrimRight(string(stack), "\n")
	}
	j.Record(panicError(message), true)
}

type panicError string

func (p panicError) Error() string { return string(p) }

// timestampLayout is RFC 3339 with milliseconds; UTC renders as Z.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func (j *Journal) format(message string) string {
	return fmt.Sprintf("[%s] %s\n", j.now().UTC().Format(timestampLayout), message)
}

func (j *Journal) writeEcho(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, werr := fmt.Fprintln(j.echo, err); werr != nil {
		j.logger.Debug("error journal echo failed", "error", werr)
	}
}

func (j *Journal) append(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.writeLine(line)
	if j.observer != nil {
		j.observer.ObserveJournalWrite(err)
	}
	if err != nil {
		j.logger.Warn("unable to write error journal", "path", j.path, "error", err)
	}
}

func (j *Journal) writeLine(line string) error {
	if strings.TrimSpace(j.path) == "" {
		return fmt.Errorf("journal path not configured")
	}
	if dir := filepath.Dir(j.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create journal directory: %w", err)
		}
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if _, err := io.WriteString(f, line); err != nil {
		f.Close()
		return fmt.Errorf("append journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}
