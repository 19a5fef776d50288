// Package audit keeps a per-invocation JSON audit log.
//
// Each provider invocation owns exactly one file, named after the
// invocation's start time and process id, so writers never contend.
// Updates are copy-on-write: the current document is loaded, a copy is
// mutated, and the result is written to a temporary file in the same
// directory and renamed over the target.  A reader therefore sees
// either the previous document or the new one, never a partial write.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Log is the audit document of one invocation.
type Log struct {
	Invocation string            `json:"invocation,omitempty"`
	Command    string            `json:"command,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	Input      json.RawMessage   `json:"input,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Messages   []string          `json:"messages,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (l Log) clone() Log {
	out := l
	out.Input = append(json.RawMessage(nil), l.Input...)
	out.Output = append(json.RawMessage(nil), l.Output...)
	if l.Env != nil {
		out.Env = make(map[string]string, len(l.Env))
		for k, v := range l.Env {
			out.Env[k] = v
		}
	}
	out.Messages = append([]string(nil), l.Messages...)
	return out
}

// Clock supplies the invocation timestamp.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Config holds the Store's dependencies.  Zero values fall back to the
// wall clock, os.Getpid and a random invocation id.
type Config struct {
	Dir          string
	Clock        Clock
	PID          func() int
	InvocationID func() string
}

// Store is the audit log of the current invocation.
type Store struct {
	path string
}

// New returns the Store for this invocation and seeds the document
// with the invocation id and start time.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit: log directory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.PID == nil {
		cfg.PID = os.Getpid
	}
	if cfg.InvocationID == nil {
		cfg.InvocationID = uuid.NewString
	}

	now := cfg.Clock.Now().UTC()
	name := fmt.Sprintf("%s-%s.json", now.Format("20060102T150405.000000000Z"), strconv.Itoa(cfg.PID()))
	s := &Store{path: filepath.Join(cfg.Dir, name)}

	id := cfg.InvocationID()
	if err := s.Record(func(l *Log) {
		l.Invocation = id
		l.StartedAt = now
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the log file of this invocation.
func (s *Store) Path() string { return s.path }

// Load returns the current document.  A missing file yields an empty
// document.
func (s *Store) Load() (Log, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Log{}, nil
		}
		return Log{}, fmt.Errorf("reading audit log %s: %w", s.path, err)
	}
	var l Log
	if err := json.Unmarshal(data, &l); err != nil {
		return Log{}, fmt.Errorf("parsing audit log %s: %w", s.path, err)
	}
	return l, nil
}

// Record applies mutate to a copy of the current document and persists
// the copy if its encoding differs from the current one.
func (s *Store) Record(mutate func(*Log)) error {
	cur, err := s.Load()
	if err != nil {
		return err
	}
	before, err := encode(cur)
	if err != nil {
		return err
	}

	next := cur.clone()
	mutate(&next)

	after, err := encode(next)
	if err != nil {
		return err
	}
	if bytes.Equal(before, after) {
		return nil
	}
	return writeAtomic(s.path, after)
}

// SetCommand records the command being dispatched.
func (s *Store) SetCommand(command string) error {
	return s.Record(func(l *Log) { l.Command = command })
}

// SetEnv records an environment snapshot.
func (s *Store) SetEnv(env map[string]string) error {
	return s.Record(func(l *Log) { l.Env = env })
}

// SetInput records the raw request body.  Bodies that are not valid
// JSON are stored as a JSON string.
func (s *Store) SetInput(raw []byte) error {
	return s.Record(func(l *Log) { l.Input = rawOrString(raw) })
}

// SetOutput records the command result.
func (s *Store) SetOutput(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding audit output: %w", err)
	}
	return s.Record(func(l *Log) { l.Output = buf })
}

// SetError records the failure that ended the invocation.
func (s *Store) SetError(err error) error {
	return s.Record(func(l *Log) { l.Error = err.Error() })
}

// AddMessage appends a freeform message.
func (s *Store) AddMessage(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return s.Record(func(l *Log) { l.Messages = append(l.Messages, msg) })
}

func rawOrString(raw []byte) json.RawMessage {
	if json.Valid(raw) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			return buf.Bytes()
		}
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

func encode(l Log) ([]byte, error) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding audit log: %w", err)
	}
	return append(data, '\n'), nil
}

// writeAtomic writes data to a temporary file next to path, syncs and
// closes it, then renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating audit directory %s: %w", dir, err)
	}

	file, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary audit file: %w", err)
	}
	tmp := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temporary audit file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temporary audit file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temporary audit file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming audit file into place: %w", err)
	}
	return nil
}
