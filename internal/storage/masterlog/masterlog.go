// Package masterlog reads and appends the checkpoint master log.
//
// The log is a plain text file named checkpoints.txt inside the checkpoint
// directory. Each completed checkpoint adds one line holding the decimal
// step number. It is the only durable record used to locate restart points.
package masterlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yndnr/simctl/internal/core/domain"
)

// FileName is the master log file name inside a checkpoint directory.
const FileName = "checkpoints.txt"

// Log is the master log of one checkpoint directory.
//
// Only the coordinator rank appends. Appends are not serialized against
// concurrent readers; a reader may observe a partially written last line,
// which ReadAll skips as malformed.
type Log struct {
	dir    string
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger used for malformed line warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// New returns the master log stored in dir. The directory is not created.
func New(dir string, opts ...Option) *Log {
	l := &Log{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the checkpoint directory.
func (l *Log) Dir() string {
	return l.dir
}

// Path returns the full path of the log file.
func (l *Log) Path() string {
	return filepath.Join(l.dir, FileName)
}

// Append records step as a completed checkpoint. The line is flushed to
// stable storage before Append returns.
func (l *Log) Append(step uint64) error {
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.ErrLogWrite.WithDetails(l.Path()).WithCause(err)
	}

	if _, err := f.WriteString(strconv.FormatUint(step, 10) + "\n"); err != nil {
		_ = f.Close()
		return domain.ErrLogWrite.WithDetailsf("step %d", step).WithCause(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return domain.ErrLogWrite.WithDetailsf("sync step %d", step).WithCause(err)
	}
	if err := f.Close(); err != nil {
		return domain.ErrLogWrite.WithDetailsf("close after step %d", step).WithCause(err)
	}
	return nil
}

// ReadAll returns every recorded step in file order.
//
// A missing file yields an empty list. Blank lines are ignored. Lines that
// are not a decimal step are skipped with a warning naming the line.
func (l *Log) ReadAll() ([]uint64, error) {
	f, err := os.Open(l.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []uint64{}, nil
		}
		return nil, fmt.Errorf("masterlog: open %s: %w", l.Path(), err)
	}
	defer f.Close()

	steps := []uint64{}
	r := bufio.NewReaderSize(f, maxLineLen)
	lineNo := 0
	for {
		raw, oversized, err := readLine(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("masterlog: read %s: %w", l.Path(), err)
		}
		lineNo++
		line := strings.TrimSpace(raw)
		if line == "" && !oversized {
			continue
		}
		step, err := strconv.ParseUint(line, 10, 64)
		if oversized || err != nil {
			l.logger.Warn(domain.ErrMalformedLogLine.Message,
				"code", domain.ErrMalformedLogLine.Code,
				"file", l.Path(),
				"line", lineNo,
				"content", truncate(line, maxLoggedContent),
			)
			continue
		}
		steps = append(steps, step)
	}
	return steps, nil
}

const (
	// maxLineLen bounds the bytes kept of one line. A valid step needs at
	// most 20 digits; longer lines are malformed.
	maxLineLen = 4096
	// maxLoggedContent bounds the content attached to a warning.
	maxLoggedContent = 64
)

// readLine returns the next line without its terminator. A line longer
// than the reader buffer is drained and reported as oversized, keeping
// only its first buffer of bytes.
func readLine(r *bufio.Reader) (string, bool, error) {
	chunk, isPrefix, err := r.ReadLine()
	if err != nil {
		return "", false, err
	}
	line := string(chunk)
	oversized := isPrefix
	for isPrefix {
		_, isPrefix, err = r.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", false, err
		}
	}
	return line, oversized, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Latest returns the last recorded step. The bool is false when the log
// holds no entries.
func (l *Log) Latest() (uint64, bool, error) {
	steps, err := l.ReadAll()
	if err != nil {
		return 0, false, err
	}
	if len(steps) == 0 {
		return 0, false, nil
	}
	return steps[len(steps)-1], true, nil
}

// Contains reports whether step is recorded in the log.
func (l *Log) Contains(step uint64) (bool, error) {
	steps, err := l.ReadAll()
	if err != nil {
		return false, err
	}
	for _, s := range steps {
		if s == step {
			return true, nil
		}
	}
	return false, nil
}
