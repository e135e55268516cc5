package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// maxLineBytes bounds one NDJSON line from the engine.
const maxLineBytes = 16 << 20

// ProcessEngine runs the engine CLI as a subprocess per execution. The
// prompt is written to stdin and stream-json is read from stdout.
type ProcessEngine struct {
	Command string
	Args    []string
	// BuildArgs appends per-request flags. Defaults to ClaudeArgs.
	BuildArgs func(req Request) []string
	Env       []string
	Logger    *slog.Logger
}

// NewProcessEngine returns a ProcessEngine for command and its base args.
func NewProcessEngine(command string, args []string, logger *slog.Logger) *ProcessEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessEngine{Command: command, Args: args, BuildArgs: ClaudeArgs, Logger: logger}
}

// Name implements Engine.
func (e *ProcessEngine) Name() string { return "process" }

// OwnsProcess reports that closing a stream kills the engine process.
func (e *ProcessEngine) OwnsProcess() bool { return true }

// ClaudeArgs maps a request onto the agent CLI's flags.
func ClaudeArgs(req Request) []string {
	var args []string
	cfg := req.Config
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	if len(cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(cfg.DisallowedTools, ","))
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if req.ResumeRunID != "" {
		args = append(args, "--resume", req.ResumeRunID)
	}
	return args
}

// Execute implements Engine.
func (e *ProcessEngine) Execute(ctx context.Context, req Request) (Stream, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := append([]string{}, e.Args...)
	if e.BuildArgs != nil {
		args = append(args, e.BuildArgs(req)...)
	}

	cmd := exec.Command(e.Command, args...)
	cmd.Dir = req.Config.WorkingDir
	if len(e.Env) > 0 {
		cmd.Env = e.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open engine stdout: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine process %s: %w", e.Command, err)
	}

	s := &processStream{
		cmd:    cmd,
		items:  make(chan streamItem),
		closed: make(chan struct{}),
		logger: logger.With("session_id", req.SessionID, "pid", cmd.Process.Pid),
	}

	go func() {
		defer func() { _ = stdin.Close() }()
		if _, err := io.WriteString(stdin, req.Prompt); err != nil {
			s.logger.Debug("Engine stdin write failed", "error", err)
		}
	}()
	go s.read(stdout, stderr)

	// Cancelling the execution asks the engine to stop; Close is the hard path.
	context.AfterFunc(ctx, s.interrupt)

	return s, nil
}

type streamItem struct {
	msg *Message
	err error
}

type processStream struct {
	cmd       *exec.Cmd
	items     chan streamItem
	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (s *processStream) read(stdout io.Reader, stderr *tailBuffer) {
	defer close(s.items)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			s.logger.Warn("Skipping malformed engine line", "error", err)
			continue
		}
		select {
		case s.items <- streamItem{msg: msg}:
		case <-s.closed:
			_ = s.cmd.Wait()
			return
		}
	}
	scanErr := scanner.Err()
	waitErr := s.cmd.Wait()

	var err error
	switch {
	case scanErr != nil:
		err = fmt.Errorf("read engine output: %w", scanErr)
	case waitErr != nil:
		err = fmt.Errorf("engine process exited: %w: %s", waitErr, stderr.String())
	}
	if err == nil {
		return
	}
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.items <- streamItem{err: err}:
	case <-s.closed:
	}
}

// Next implements Stream. After ctx ends it keeps returning whatever the
// process still writes and reports ctx.Err() once the process exits.
func (s *processStream) Next(ctx context.Context) (*Message, error) {
	done := ctx.Done()
	for {
		select {
		case <-done:
			s.interrupt()
			done = nil
		case <-s.closed:
			return nil, ErrStreamClosed
		case item, ok := <-s.items:
			if ctx.Err() != nil && (!ok || item.err != nil) {
				return nil, ctx.Err()
			}
			if !ok {
				return nil, io.EOF
			}
			return item.msg, item.err
		}
	}
}

func (s *processStream) interrupt() {
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Debug("Engine interrupt failed", "error", err)
	}
}

// Close implements Stream by killing the process.
func (s *processStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if killErr := s.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = fmt.Errorf("kill engine process: %w", killErr)
		}
	})
	return err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
