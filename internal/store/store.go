// Package store persists completed transfers: payload files, logged text
// messages, and the append-only statistics log.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/1ureka/azrp/internal/util"
)

const (
	fileTimeFormat  = "2006-01-02_15-04-05.000"
	statsTimeFormat = "2006-01-02 15:04:05"

	maxNameAttempts = 1000
)

// FileSink writes payloads into Dir, one file per transfer.
type FileSink struct {
	Dir string
}

// Save writes payload to "<Dir>/<timestamp>.<ext>" and returns the path.
// An existing file is never overwritten: "-1", "-2", … is appended instead.
func (s FileSink) Save(payload []byte, ext string, at time.Time) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	base := at.Format(fileTimeFormat)
	for i := 0; i < maxNameAttempts; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		path := filepath.Join(s.Dir, name+"."+ext)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", path, err)
		}

		_, werr := f.Write(payload)
		if err := errors.Join(werr, f.Close()); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s.%s in %s", base, ext, s.Dir)
}

// TextSink reports text payloads through the logger instead of storing them.
type TextSink struct{}

func (TextSink) Show(sessionID uint32, text string) {
	util.LogInfo("%s Received message: %s", util.SessionPrefix(sessionID), text)
}

// StatsLog appends one line per completed session to Path.
type StatsLog struct {
	Path string
}

// Append writes "<timestamp> - Packets sent: <n>; packets received: <n>".
func (l StatsLog) Append(at time.Time, sent, received int) error {
	f, err := os.OpenFile(l.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open statistics log: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%s - %s\n", at.Format(statsTimeFormat), FormatCounters(sent, received))
	if err := errors.Join(werr, f.Close()); err != nil {
		return fmt.Errorf("failed to append statistics: %w", err)
	}
	return nil
}

// FormatCounters renders the per-session packet counters.
func FormatCounters(sent, received int) string {
	return fmt.Sprintf("Packets sent: %d; packets received: %d", sent, received)
}
