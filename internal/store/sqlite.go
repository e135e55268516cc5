package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/BitBrujo/rigger/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL for concurrent readers; immediate transactions so the ledger's
	// read-then-insert holds the write lock from its first statement.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// SetRetryPolicy replaces the busy/locked retry policy. Call before use.
func (s *SQLiteStore) SetRetryPolicy(p shared.RetryPolicy) {
	s.retry = p
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		run_id TEXT,
		conversation_id TEXT,
		status TEXT NOT NULL,
		pattern TEXT NOT NULL,
		tags_json TEXT NOT NULL DEFAULT '[]',
		config_json TEXT NOT NULL DEFAULT '{}',
		total_cost_usd REAL NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cached_tokens INTEGER NOT NULL DEFAULT 0,
		num_turns INTEGER NOT NULL DEFAULT 0,
		tools_used_json TEXT NOT NULL DEFAULT '[]',
		current_tool TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		last_activity_at INTEGER NOT NULL,
		completed_at INTEGER,
		terminated_at INTEGER,
		stop_requested_at INTEGER,
		termination_reason TEXT,
		error_message TEXT,
		stop_requested INTEGER NOT NULL DEFAULT 0,
		force_kill_requested INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON sessions(conversation_id);

	CREATE TABLE IF NOT EXISTS usage_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		step_id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		conversation_id TEXT,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		stop_reason TEXT,
		turn INTEGER NOT NULL DEFAULT 0,
		tools_json TEXT NOT NULL DEFAULT '[]',
		tool_costs_json TEXT,
		permission_denials_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_steps_session ON usage_steps(session_id);
	CREATE INDEX IF NOT EXISTS idx_usage_steps_conversation ON usage_steps(conversation_id);

	CREATE TABLE IF NOT EXISTS todos (
		session_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		active_form TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, position)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `
	id, run_id, conversation_id, status, pattern, tags_json, config_json,
	total_cost_usd, input_tokens, output_tokens, cache_creation_tokens, cached_tokens, num_turns,
	tools_used_json, current_tool,
	created_at, started_at, last_activity_at, completed_at, terminated_at, stop_requested_at,
	termination_reason, error_message, stop_requested, force_kill_requested`

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	tags, err := marshalJSON(session.Tags, "[]")
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	cfg, err := json.Marshal(session.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tools, err := marshalJSON(session.ToolsUsed, "[]")
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}

	query := `INSERT INTO sessions (` + sessionColumns + `, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, s.retry, "create_session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, nullString(session.RunID), nullString(session.ConversationID),
			string(session.Status), string(session.Pattern), tags, string(cfg),
			session.TotalCostUSD, session.InputTokens, session.OutputTokens,
			session.CacheCreationTokens, session.CachedTokens, session.NumTurns,
			tools, nullString(session.CurrentTool),
			session.CreatedAt.UnixMilli(), nullTime(session.StartedAt), session.LastActivityAt.UnixMilli(),
			nullTime(session.CompletedAt), nullTime(session.TerminatedAt), nullTime(session.StopRequestedAt),
			nullString(session.TerminationReason), nullString(session.ErrorMessage),
			session.StopRequested, session.ForceKillRequested,
			time.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", id, domain.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns one page of sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]*domain.Session, int, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.Pattern != "" {
		where = append(where, "pattern = ?")
		args = append(args, string(filter.Pattern))
	}
	if filter.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(sessions.tags_json) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions` + clause + ` ORDER BY created_at DESC, id`
	pageArgs := append([]any{}, args...)
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		pageArgs = append(pageArgs, filter.Limit, max(filter.Offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, total, nil
}

// SaveSessionState writes status, flags, timestamps and tool tracking.
func (s *SQLiteStore) SaveSessionState(ctx context.Context, session *domain.Session) error {
	tools, err := marshalJSON(session.ToolsUsed, "[]")
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}

	query := `
	UPDATE sessions SET
		run_id = COALESCE(run_id, ?),
		status = CASE WHEN status IN ('completed', 'terminated', 'error') THEN status ELSE ? END,
		tools_used_json = ?,
		current_tool = ?,
		started_at = COALESCE(started_at, ?),
		last_activity_at = MAX(last_activity_at, ?),
		completed_at = COALESCE(completed_at, ?),
		terminated_at = COALESCE(terminated_at, ?),
		stop_requested_at = COALESCE(stop_requested_at, ?),
		termination_reason = COALESCE(termination_reason, ?),
		error_message = COALESCE(error_message, ?),
		stop_requested = MAX(stop_requested, ?),
		force_kill_requested = MAX(force_kill_requested, ?),
		updated_at = ?
	WHERE id = ?`

	return shared.RetryOnConflict(ctx, s.retry, "save_session_state", func() error {
		result, err := s.db.ExecContext(ctx, query,
			nullString(session.RunID), string(session.Status), tools, nullString(session.CurrentTool),
			nullTime(session.StartedAt), session.LastActivityAt.UnixMilli(),
			nullTime(session.CompletedAt), nullTime(session.TerminatedAt), nullTime(session.StopRequestedAt),
			nullString(session.TerminationReason), nullString(session.ErrorMessage),
			session.StopRequested, session.ForceKillRequested,
			time.Now().UnixMilli(), session.ID,
		)
		if err != nil {
			return fmt.Errorf("update session state: %w", err)
		}
		return expectRows(result, session.ID)
	})
}

// AddSessionMetrics applies an additive counter update.
func (s *SQLiteStore) AddSessionMetrics(ctx context.Context, id string, delta domain.MetricsDelta) error {
	return shared.RetryOnConflict(ctx, s.retry, "add_session_metrics", func() error {
		result, err := s.db.ExecContext(ctx, addMetricsQuery, metricsArgs(delta, id)...)
		if err != nil {
			return fmt.Errorf("add session metrics: %w", err)
		}
		return expectRows(result, id)
	})
}

const addMetricsQuery = `
	UPDATE sessions SET
		total_cost_usd = total_cost_usd + ?,
		input_tokens = input_tokens + ?,
		output_tokens = output_tokens + ?,
		cache_creation_tokens = cache_creation_tokens + ?,
		cached_tokens = cached_tokens + ?,
		num_turns = num_turns + ?,
		updated_at = ?
	WHERE id = ?`

func metricsArgs(d domain.MetricsDelta, id string) []any {
	return []any{
		max(d.CostUSD, 0), max(d.InputTokens, 0), max(d.OutputTokens, 0),
		max(d.CacheCreationTokens, 0), max(d.CacheReadTokens, 0), max(d.Turns, 0),
		time.Now().UnixMilli(), id,
	}
}

// RecordUsageStep is the ledger's dedup boundary: read, insert and the
// session increment commit together or not at all.
func (s *SQLiteStore) RecordUsageStep(ctx context.Context, step *domain.UsageStep) (bool, error) {
	if step.StepID == "" {
		return false, fmt.Errorf("record usage step: empty step id: %w", domain.ErrInvalidRequest)
	}
	tools, err := marshalJSON(step.Tools, "[]")
	if err != nil {
		return false, fmt.Errorf("marshal step tools: %w", err)
	}
	var toolCosts any
	if len(step.ToolCosts) > 0 {
		b, err := json.Marshal(step.ToolCosts)
		if err != nil {
			return false, fmt.Errorf("marshal tool costs: %w", err)
		}
		toolCosts = string(b)
	}
	var denials any
	if len(step.PermissionDenials) > 0 {
		denials = string(step.PermissionDenials)
	}
	createdAt := step.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var inserted bool
	err = shared.RetryOnConflict(ctx, s.retry, "record_usage_step", func() error {
		inserted = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ledger transaction: %w", err)
		}
		defer func() {
			if !inserted {
				_ = tx.Rollback()
			}
		}()

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM usage_steps WHERE step_id = ?`, step.StepID).Scan(&exists)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check usage step: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO usage_steps (
				step_id, session_id, conversation_id, input_tokens, output_tokens,
				cache_creation_tokens, cache_read_tokens, latency_ms, cost_usd, stop_reason,
				turn, tools_json, tool_costs_json, permission_denials_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.StepID, step.SessionID, nullString(step.ConversationID),
			step.InputTokens, step.OutputTokens, step.CacheCreationTokens, step.CacheReadTokens,
			step.LatencyMs, step.CostUSD, nullString(step.StopReason), step.Turn,
			tools, toolCosts, denials, createdAt.UnixMilli(),
		)
		if shared.IsSQLiteUniqueError(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert usage step: %w", err)
		}

		result, err := tx.ExecContext(ctx, addMetricsQuery, metricsArgs(step.Delta(), step.SessionID)...)
		if err != nil {
			return fmt.Errorf("apply step metrics: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			slog.Warn("Usage step recorded for unknown session", "step_id", step.StepID, "session_id", step.SessionID)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit ledger transaction: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	return inserted, nil
}

const stepColumns = `
	step_id, session_id, conversation_id, input_tokens, output_tokens,
	cache_creation_tokens, cache_read_tokens, latency_ms, cost_usd, stop_reason,
	turn, tools_json, tool_costs_json, permission_denials_json, created_at`

// GetUsageStep retrieves one ledger entry.
func (s *SQLiteStore) GetUsageStep(ctx context.Context, stepID string) (*domain.UsageStep, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM usage_steps WHERE step_id = ?`, stepID)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get usage step %s: %w", stepID, domain.ErrStepNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan usage step: %w", err)
	}
	return step, nil
}

// ListUsageSteps returns a session's ledger entries in insertion order.
func (s *SQLiteStore) ListUsageSteps(ctx context.Context, sessionID string) ([]*domain.UsageStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM usage_steps WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query usage steps: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close usage step rows", "error", closeErr)
		}
	}()

	var steps []*domain.UsageStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage steps: %w", err)
	}
	return steps, nil
}

// ReplaceTodos overwrites the mirrored todo list for a session.
func (s *SQLiteStore) ReplaceTodos(ctx context.Context, sessionID string, todos []domain.Todo) error {
	return shared.RetryOnConflict(ctx, s.retry, "replace_todos", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin todo transaction: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("clear todos: %w", err)
		}
		now := time.Now().UnixMilli()
		for i, todo := range todos {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO todos (session_id, position, content, status, active_form, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
				sessionID, i, todo.Content, string(todo.Status), nullString(todo.ActiveForm), now,
			); err != nil {
				return fmt.Errorf("insert todo: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit todos: %w", err)
		}
		committed = true
		return nil
	})
}

// ListTodos returns the mirrored todo list in position order.
func (s *SQLiteStore) ListTodos(ctx context.Context, sessionID string) ([]domain.Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content, status, active_form FROM todos WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close todo rows", "error", closeErr)
		}
	}()

	todos := []domain.Todo{}
	for rows.Next() {
		var todo domain.Todo
		var status string
		var activeForm sql.NullString
		if err := rows.Scan(&todo.Content, &status, &activeForm); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		todo.Status = domain.TodoStatus(status)
		todo.ActiveForm = activeForm.String
		todos = append(todos, todo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todos: %w", err)
	}
	return todos, nil
}

// DeleteSession removes a session and its todos in one transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return shared.RetryOnConflict(ctx, s.retry, "delete_session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete transaction: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if err := expectRows(result, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete session todos: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit session delete: %w", err)
		}
		committed = true
		return nil
	})
}

// Stats aggregates counts and totals over all sessions.
func (s *SQLiteStore) Stats(ctx context.Context) (*domain.SessionStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total_cost_usd), 0), COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cache_creation_tokens), 0), COALESCE(SUM(cached_tokens), 0)
		FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query session stats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stats rows", "error", closeErr)
		}
	}()

	stats := &domain.SessionStats{ByStatus: make(map[domain.SessionStatus]int)}
	for rows.Next() {
		var status string
		var count int
		var cost float64
		var in, out, cacheCreate, cached int64
		if err := rows.Scan(&status, &count, &cost, &in, &out, &cacheCreate, &cached); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.ByStatus[domain.SessionStatus(status)] = count
		stats.Total += count
		stats.TotalCostUSD += cost
		stats.InputTokens += in
		stats.OutputTokens += out
		stats.CacheCreationTokens += cacheCreate
		stats.CachedTokens += cached
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_steps`).Scan(&stats.UsageSteps); err != nil {
		return nil, fmt.Errorf("count usage steps: %w", err)
	}
	return stats, nil
}

// MarkOrphanedSessions fails sessions a previous process left mid-execution.
// Initializing sessions that never started are left alone.
func (s *SQLiteStore) MarkOrphanedSessions(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UnixMilli()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'error',
			termination_reason = COALESCE(termination_reason, ?),
			error_message = COALESCE(error_message, 'execution interrupted by process restart'),
			current_tool = NULL,
			terminated_at = COALESCE(terminated_at, ?),
			updated_at = ?
		WHERE status IN ('active', 'stopping')
			OR (status = 'initializing' AND started_at IS NOT NULL)`, reason, now, now)
	if err != nil {
		return 0, fmt.Errorf("mark orphaned sessions: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpiredEphemeral removes finished ephemeral sessions older than cutoff.
func (s *SQLiteStore) DeleteExpiredEphemeral(ctx context.Context, cutoff time.Time) (int64, error) {
	const match = `pattern = 'ephemeral' AND status IN ('completed', 'terminated', 'error') AND updated_at < ?`
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM todos WHERE session_id IN (SELECT id FROM sessions WHERE `+match+`)`, cutoff.UnixMilli()); err != nil {
		return 0, fmt.Errorf("delete expired todos: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE `+match, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var runID, conversationID, currentTool, reason, errMsg sql.NullString
	var status, pattern, tagsJSON, configJSON, toolsJSON string
	var createdAt, lastActivity int64
	var startedAt, completedAt, terminatedAt, stopRequestedAt sql.NullInt64

	err := row.Scan(
		&session.ID, &runID, &conversationID, &status, &pattern, &tagsJSON, &configJSON,
		&session.TotalCostUSD, &session.InputTokens, &session.OutputTokens,
		&session.CacheCreationTokens, &session.CachedTokens, &session.NumTurns,
		&toolsJSON, &currentTool,
		&createdAt, &startedAt, &lastActivity, &completedAt, &terminatedAt, &stopRequestedAt,
		&reason, &errMsg, &session.StopRequested, &session.ForceKillRequested,
	)
	if err != nil {
		return nil, err
	}

	session.RunID = runID.String
	session.ConversationID = conversationID.String
	session.Status = domain.SessionStatus(status)
	session.Pattern = domain.SessionPattern(pattern)
	session.CurrentTool = currentTool.String
	session.TerminationReason = reason.String
	session.ErrorMessage = errMsg.String
	session.CreatedAt = time.UnixMilli(createdAt)
	session.LastActivityAt = time.UnixMilli(lastActivity)
	session.StartedAt = timePtr(startedAt)
	session.CompletedAt = timePtr(completedAt)
	session.TerminatedAt = timePtr(terminatedAt)
	session.StopRequestedAt = timePtr(stopRequestedAt)

	if err := json.Unmarshal([]byte(tagsJSON), &session.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(configJSON), &session.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := json.Unmarshal([]byte(toolsJSON), &session.ToolsUsed); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	return &session, nil
}

func scanStep(row rowScanner) (*domain.UsageStep, error) {
	var step domain.UsageStep
	var conversationID, stopReason, toolCosts, denials sql.NullString
	var toolsJSON string
	var createdAt int64

	err := row.Scan(
		&step.StepID, &step.SessionID, &conversationID, &step.InputTokens, &step.OutputTokens,
		&step.CacheCreationTokens, &step.CacheReadTokens, &step.LatencyMs, &step.CostUSD, &stopReason,
		&step.Turn, &toolsJSON, &toolCosts, &denials, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	step.ConversationID = conversationID.String
	step.StopReason = stopReason.String
	step.CreatedAt = time.UnixMilli(createdAt)
	if err := json.Unmarshal([]byte(toolsJSON), &step.Tools); err != nil {
		return nil, fmt.Errorf("decode step tools: %w", err)
	}
	if toolCosts.Valid {
		if err := json.Unmarshal([]byte(toolCosts.String), &step.ToolCosts); err != nil {
			return nil, fmt.Errorf("decode tool costs: %w", err)
		}
	}
	if denials.Valid {
		step.PermissionDenials = json.RawMessage(denials.String)
	}
	return &step, nil
}

func expectRows(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	return nil
}

func marshalJSON[T any](v []T, empty string) (string, error) {
	if len(v) == 0 {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
