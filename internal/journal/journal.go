// Package journal appends every client-facing event to a per-session NDJSON
// file. Writes happen on a background goroutine; when the queue is full the
// event is dropped with a warning rather than stalling the stream.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/BitBrujo/rigger/internal/stream"
)

// Config controls the journal.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Journal writes events asynchronously.
type Journal struct {
	dir    string
	queue  chan stream.Event
	files  map[string]*os.File
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// New creates the journal directory and starts the writer. It returns nil
// when the journal is disabled; a nil *Journal ignores every call.
func New(cfg Config, logger *slog.Logger) (*Journal, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &Journal{
		dir:    cfg.Dir,
		queue:  make(chan stream.Event, cfg.QueueSize),
		files:  make(map[string]*os.File),
		logger: logger,
		done:   make(chan struct{}),
	}
	go j.run()
	return j, nil
}

// Log enqueues ev. It never blocks.
func (j *Journal) Log(ev stream.Event) {
	if j == nil {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- ev:
	default:
		j.dropped.Add(1)
		j.logger.Warn("Journal queue full, dropping event",
			"session_id", ev.SessionID,
			"event_id", ev.ID,
			"event_type", ev.Type)
	}
}

// Path returns the journal file of a session.
func (j *Journal) Path(sessionID string) string {
	return filepath.Join(j.dir, filepath.Base(sessionID)+".ndjson")
}

func (j *Journal) run() {
	defer close(j.done)
	for ev := range j.queue {
		if err := j.write(ev); err != nil {
			j.logger.Warn("Failed to write journal entry", "session_id", ev.SessionID, "error", err)
		}
		if ev.Type.IsTerminal() {
			j.closeFile(ev.SessionID)
		}
	}
	for id := range j.files {
		j.closeFile(id)
	}
}

func (j *Journal) write(ev stream.Event) error {
	f, ok := j.files[ev.SessionID]
	if !ok {
		var err error
		f, err = os.OpenFile(j.Path(ev.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		j.files[ev.SessionID] = f
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (j *Journal) closeFile(sessionID string) {
	f, ok := j.files[sessionID]
	if !ok {
		return
	}
	delete(j.files, sessionID)
	if err := f.Close(); err != nil {
		j.logger.Warn("Failed to close journal file", "session_id", sessionID, "error", err)
	}
}

// Close flushes queued events and closes every file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	if dropped := j.dropped.Load(); dropped > 0 {
		j.logger.Warn("Journal dropped events", "count", dropped)
	}
	return nil
}
