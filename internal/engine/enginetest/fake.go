// Package enginetest provides a scripted engine for tests.
package enginetest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/BitBrujo/rigger/internal/engine"
)

// Script describes one execution.
type Script struct {
	// Lines are stream-json messages returned in order.
	Lines []string
	// Err, when set, is returned after Lines instead of io.EOF.
	Err error
	// Hold keeps the stream open after Lines until ctx ends or Close.
	Hold bool
	// IgnoreCancel makes a held stream wait for Close only, like an engine
	// that does not honour cooperative cancellation.
	IgnoreCancel bool
	// StartErr fails Execute itself.
	StartErr error
}

// Engine replays scripts, one per Execute call. The last script repeats.
type Engine struct {
	mu       sync.Mutex
	scripts  []Script
	calls    int
	requests []engine.Request
	streams  []*Stream
}

// New returns an Engine that plays scripts in order.
func New(scripts ...Script) *Engine {
	return &Engine{scripts: scripts}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "fake" }

// Execute implements engine.Engine.
func (e *Engine) Execute(_ context.Context, req engine.Request) (engine.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = append(e.requests, req)
	var script Script
	if len(e.scripts) > 0 {
		script = e.scripts[min(e.calls, len(e.scripts)-1)]
	}
	e.calls++
	if script.StartErr != nil {
		return nil, script.StartErr
	}
	s := &Stream{script: script, closed: make(chan struct{})}
	e.streams = append(e.streams, s)
	return s, nil
}

// Requests returns every request seen so far.
func (e *Engine) Requests() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Request(nil), e.requests...)
}

// Streams returns every stream opened so far.
func (e *Engine) Streams() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stream(nil), e.streams...)
}

// Stream is one scripted execution.
type Stream struct {
	script Script
	pos    int
	once   sync.Once
	closed chan struct{}
	mu     sync.Mutex
	closes int
}

// Next implements engine.Stream.
func (s *Stream) Next(ctx context.Context) (*engine.Message, error) {
	select {
	case <-s.closed:
		return nil, engine.ErrStreamClosed
	default:
	}
	if s.pos < len(s.script.Lines) {
		line := s.script.Lines[s.pos]
		s.pos++
		return engine.Decode([]byte(line))
	}
	if s.script.Hold {
		if s.script.IgnoreCancel {
			<-s.closed
			return nil, engine.ErrStreamClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, engine.ErrStreamClosed
		}
	}
	if s.script.Err != nil {
		return nil, s.script.Err
	}
	return nil, io.EOF
}

// Close implements engine.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

// ErrBoom is a convenience engine failure.
var ErrBoom = errors.New("engine exploded")
