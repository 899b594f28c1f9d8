// Package convlog writes conversation transcripts as NDJSON.
//
// Each event is appended to <Dir>/<learner_id>/<session_id>.ndjson and,
// when enabled, to a single global file. Writes happen on a background
// goroutine; Log never blocks the caller.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Config controls transcript logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event types.
const (
	EventStudentMessage    = "student_message"
	EventInstructorMessage = "instructor_message"
	EventGuardrail         = "guardrail"
	EventTurnError         = "turn_error"
	EventVerification      = "verification"
	EventAdvancement       = "advancement"
)

// Event is one transcript line.
type Event struct {
	Timestamp  string         `json:"ts"`
	LearnerID  string         `json:"learner_id"`
	SessionID  string         `json:"session_id"`
	TurnID     string         `json:"turn_id,omitempty"`
	ActivityID string         `json:"activity_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	EventType  string         `json:"event_type"`
	Content    string         `json:"content,omitempty"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger records transcript events.
type Logger interface {
	Log(event Event)
	Close() error
}

// Nop discards everything.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(Event) {}

// Close implements Logger.
func (Nop) Close() error { return nil }

// FileLogger appends events to per-session files.
type FileLogger struct {
	cfg    Config
	queue  chan Event
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New returns a FileLogger, or Nop when logging is disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
	}

	l := &FileLogger{
		cfg:    cfg,
		queue:  make(chan Event, cfg.QueueSize),
		logger: logger,
	}
	l.wg.Add(1)
	go l.process()
	return l, nil
}

// Log queues an event. Events are dropped when the queue is full.
func (l *FileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"learner_id", event.LearnerID,
			"session_id", event.SessionID,
			"event_type", event.EventType,
		)
	}
}

func (l *FileLogger) process() {
	defer l.wg.Done()
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("Failed to encode conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := appendLine(l.sessionPath(event), line); err != nil {
			l.logger.Warn("Failed to write conversation log", "session_id", event.SessionID, "error", err)
		}
		if l.cfg.GlobalEnabled && l.cfg.GlobalPath != "" {
			if err := appendLine(l.cfg.GlobalPath, line); err != nil {
				l.logger.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *FileLogger) sessionPath(e Event) string {
	learner := safeName(e.LearnerID, "anonymous")
	session := safeName(e.SessionID, "unknown")
	return filepath.Join(l.cfg.Dir, learner, session+".ndjson")
}

// Close flushes queued events and stops the writer.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var (
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	imagePattern = regexp.MustCompile(`\[image:[^\]]+\]`)
	unsafeName   = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// cleanForReadability strips escape sequences and image markers and collapses
// whitespace.
func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = imagePattern.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

func safeName(s, fallback string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	if s == "" || strings.Trim(s, ".") == "" {
		return fallback
	}
	return s
}
