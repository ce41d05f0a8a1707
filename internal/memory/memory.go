// Package memory persists conversation context across sessions in SQLite,
// so a new chat can recall what earlier ones did in the same project.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/fsbridge/internal/observe"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	turn_count INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path, started_at);

CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	project_path TEXT NOT NULL,
	user_message TEXT NOT NULL,
	assistant_message TEXT NOT NULL,
	tool_calls TEXT NOT NULL DEFAULT '[]',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
CREATE INDEX IF NOT EXISTS idx_turns_project_time ON turns(project_path, created_at);

CREATE TABLE IF NOT EXISTS summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	project_path TEXT NOT NULL,
	period TEXT NOT NULL,
	summary TEXT NOT NULL,
	topics TEXT NOT NULL DEFAULT '[]',
	files TEXT NOT NULL DEFAULT '[]',
	decisions TEXT NOT NULL DEFAULT '[]',
	tokens INTEGER NOT NULL,
	tokens_saved INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_project_time ON summaries(project_path, created_at);

CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Store is the persistent context memory, backed by a single SQLite file.
type Store struct {
	db  *sql.DB
	obs *observe.Observer
	now func() time.Time
}

// Open opens (creating if needed) the store at path. A nil observer is
// replaced with a silent one.
func Open(path string, obs *observe.Observer) (*Store, error) {
	if obs == nil {
		obs = observe.New(io.Discard, false)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	// SQLite allows one writer; serialize at the pool level.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize memory schema: %w", err)
	}

	return &Store{db: db, obs: obs, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Session is one recorded conversation.
type Session struct {
	ID          string
	ProjectPath string
	StartedAt   time.Time
	EndedAt     *time.Time
	TurnCount   int
	TotalTokens int
	TotalCost   float64
}

// ToolInvocation records one tool call made during a turn. Result holds a
// truncated copy of the payload, enough for later summarization.
type ToolInvocation struct {
	Name   string `json:"name"`
	Args   string `json:"args"`
	Result string `json:"result,omitempty"`
}

// Turn is one complete user/assistant exchange, including every tool call
// made in between. It is written in a single transaction once the final
// assistant message is known; an aborted exchange leaves no row behind.
type Turn struct {
	UserMessage      string
	AssistantMessage string
	ToolCalls        []ToolInvocation
	InputTokens      int
	OutputTokens     int
	Cost             float64
}

// Summary condenses a set of turns into a compact recallable block.
type Summary struct {
	ID          int64
	SessionID   string
	ProjectPath string
	Period      string
	Text        string
	Topics      []string
	Files       []string
	Decisions   []string
	Tokens      int
	TokensSaved int
	CreatedAt   time.Time
}

// StartSession registers a new session for a project and returns its id.
func (s *Store) StartSession(ctx context.Context, projectPath string) (string, error) {
	ctx, span := s.obs.StartSpan(ctx, "memory.StartSession")
	defer span.End()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_path, started_at) VALUES (?, ?, ?)`,
		id, projectPath, s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}

	s.obs.Log().Debug().Str("session", id).Str("project", projectPath).Msg("session started")
	return id, nil
}

// EndSession marks a session finished.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	ctx, span := s.obs.StartSpan(ctx, "memory.EndSession")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		s.now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// RecordTurn stores one completed exchange and bumps the session counters in
// the same transaction. A turn whose backend reported no usage gets a text
// estimate so recall budgeting still has numbers to work with.
func (s *Store) RecordTurn(ctx context.Context, sessionID, projectPath string, turn Turn) error {
	ctx, span := s.obs.StartSpan(ctx, "memory.RecordTurn")
	defer span.End()

	if turn.InputTokens == 0 && turn.OutputTokens == 0 {
		turn.InputTokens = EstimateTokens(turn.UserMessage)
		turn.OutputTokens = EstimateTokens(turn.AssistantMessage)
	}
	tokens := turn.InputTokens + turn.OutputTokens

	calls := turn.ToolCalls
	if calls == nil {
		calls = []ToolInvocation{}
	}
	callsJSON, err := json.Marshal(calls)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (session_id, project_path, user_message, assistant_message,
		                    tool_calls, input_tokens, output_tokens, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, projectPath, turn.UserMessage, turn.AssistantMessage,
		string(callsJSON), turn.InputTokens, turn.OutputTokens, turn.Cost, s.now().UTC())
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions
		 SET turn_count = turn_count + 1, total_tokens = total_tokens + ?, total_cost = total_cost + ?
		 WHERE id = ?`,
		tokens, turn.Cost, sessionID)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}

	return tx.Commit()
}

// RecentContext assembles a recall block for a project within a token
// budget. Summaries are taken first because they pack more history per
// token; remaining budget is filled with the most recent raw turns.
func (s *Store) RecentContext(ctx context.Context, projectPath string, tokenBudget int) (string, error) {
	ctx, span := s.obs.StartSpan(ctx, "memory.RecentContext")
	defer span.End()

	if tokenBudget <= 0 {
		return "", nil
	}
	remaining := tokenBudget

	var blocks []string

	rows, err := s.db.QueryContext(ctx,
		`SELECT summary, tokens FROM summaries
		 WHERE project_path = ? ORDER BY created_at DESC LIMIT 5`,
		projectPath)
	if err != nil {
		return "", fmt.Errorf("recall summaries: %w", err)
	}
	for rows.Next() {
		var text string
		var tokens int
		if err := rows.Scan(&text, &tokens); err != nil {
			rows.Close()
			return "", fmt.Errorf("recall summaries: %w", err)
		}
		if tokens > remaining {
			break
		}
		remaining -= tokens
		blocks = append(blocks, "[summary] "+text)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("recall summaries: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT user_message, assistant_message FROM turns
		 WHERE project_path = ? ORDER BY created_at DESC, id DESC LIMIT 50`,
		projectPath)
	if err != nil {
		return "", fmt.Errorf("recall turns: %w", err)
	}
	defer rows.Close()

	var turnBlocks []string
	for rows.Next() {
		var user, assistant string
		if err := rows.Scan(&user, &assistant); err != nil {
			return "", fmt.Errorf("recall turns: %w", err)
		}
		// Recall cost is estimated from the text itself, not the stored
		// usage: input_tokens count the whole prompt that produced the
		// turn, not what replaying it costs.
		tokens := EstimateTokens(user) + EstimateTokens(assistant)
		if tokens > remaining {
			break
		}
		remaining -= tokens
		turnBlocks = append(turnBlocks, fmt.Sprintf("[user] %s\n[assistant] %s", user, assistant))
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("recall turns: %w", err)
	}

	// Turns were read newest-first; flip them so the recall reads in order.
	for i := len(turnBlocks) - 1; i >= 0; i-- {
		blocks = append(blocks, turnBlocks[i])
	}

	return strings.Join(blocks, "\n"), nil
}

// turnRow is one stored turn pulled back for summarization.
type turnRow struct {
	user      string
	assistant string
	toolCalls string
}

func (r turnRow) messages() []string {
	var out []string
	if r.user != "" {
		out = append(out, r.user)
	}
	if r.assistant != "" {
		out = append(out, r.assistant)
	}
	return out
}

// summarizeRows condenses a set of turn rows into a Summary. File names are
// also mined from the tool-call arguments, where write targets show up even
// when neither side of the conversation names them.
func summarizeRows(turnRows []turnRow) *Summary {
	var contents []string
	var toolArgs []string
	for _, r := range turnRows {
		contents = append(contents, r.messages()...)
		if r.toolCalls == "" || r.toolCalls == "[]" {
			continue
		}
		var calls []ToolInvocation
		if err := json.Unmarshal([]byte(r.toolCalls), &calls); err != nil {
			continue
		}
		for _, c := range calls {
			toolArgs = append(toolArgs, c.Args)
		}
	}

	sum := buildSummary(contents, toolArgs)

	rawTokens := 0
	for _, c := range contents {
		rawTokens += EstimateTokens(c)
	}
	sum.TokensSaved = rawTokens - sum.Tokens
	if sum.TokensSaved < 0 {
		sum.TokensSaved = 0
	}
	return sum
}

// Summarize condenses a session's turns into a stored summary and reports
// how many tokens a recall saves versus replaying the raw turns.
func (s *Store) Summarize(ctx context.Context, sessionID string) (*Summary, error) {
	ctx, span := s.obs.StartSpan(ctx, "memory.Summarize")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT project_path, user_message, assistant_message, tool_calls FROM turns
		 WHERE session_id = ? ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	defer rows.Close()

	var projectPath string
	var turnRows []turnRow
	for rows.Next() {
		var r turnRow
		if err := rows.Scan(&projectPath, &r.user, &r.assistant, &r.toolCalls); err != nil {
			return nil, fmt.Errorf("summarize: %w", err)
		}
		turnRows = append(turnRows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	if len(turnRows) == 0 {
		return nil, fmt.Errorf("session %s has no turns", sessionID)
	}

	sum := summarizeRows(turnRows)
	sum.SessionID = sessionID
	sum.ProjectPath = projectPath
	sum.Period = "session"

	if err := s.insertSummary(ctx, sum); err != nil {
		return nil, err
	}

	s.obs.Log().Info().
		Str("session", sessionID).
		Int("tokens_saved", sum.TokensSaved).
		Msg("session summarized")
	return sum, nil
}

// periodStart maps a summary period name to its cutoff. Unknown periods fall
// back to the last day.
func (s *Store) periodStart(period string) time.Time {
	now := s.now().UTC()
	switch period {
	case "last_hour":
		return now.Add(-time.Hour)
	case "last_day":
		return now.AddDate(0, 0, -1)
	case "last_week":
		return now.AddDate(0, 0, -7)
	default:
		return now.AddDate(0, 0, -1)
	}
}

// SummarizePeriod condenses a project's turns over a time period
// ("last_hour", "last_day" or "last_week") into a stored summary, across
// session boundaries.
func (s *Store) SummarizePeriod(ctx context.Context, projectPath, period string) (*Summary, error) {
	ctx, span := s.obs.StartSpan(ctx, "memory.SummarizePeriod")
	defer span.End()

	since := s.periodStart(period)
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_message, assistant_message, tool_calls FROM turns
		 WHERE project_path = ? AND created_at > ? ORDER BY created_at, id`,
		projectPath, since)
	if err != nil {
		return nil, fmt.Errorf("summarize period: %w", err)
	}
	defer rows.Close()

	var turnRows []turnRow
	for rows.Next() {
		var r turnRow
		if err := rows.Scan(&r.user, &r.assistant, &r.toolCalls); err != nil {
			return nil, fmt.Errorf("summarize period: %w", err)
		}
		turnRows = append(turnRows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summarize period: %w", err)
	}
	if len(turnRows) == 0 {
		return nil, fmt.Errorf("no turns in the %s window", period)
	}

	sum := summarizeRows(turnRows)
	sum.ProjectPath = projectPath
	sum.Period = period

	if err := s.insertSummary(ctx, sum); err != nil {
		return nil, err
	}

	s.obs.Log().Info().
		Str("project", projectPath).
		Str("period", period).
		Int("tokens_saved", sum.TokensSaved).
		Msg("period summarized")
	return sum, nil
}

// CleanupReport describes what a cleanup pass removed.
type CleanupReport struct {
	TurnsDeleted    int
	SessionsDeleted int
	SummaryCreated  bool
	TokensSaved     int
}

// Cleanup removes turns and ended sessions older than the retention window.
// Before deleting, the doomed turns are condensed into a covering summary so
// their context stays recallable.
func (s *Store) Cleanup(ctx context.Context, projectPath string, retentionDays int) (*CleanupReport, error) {
	ctx, span := s.obs.StartSpan(ctx, "memory.Cleanup")
	defer span.End()

	if retentionDays < 1 {
		retentionDays = 1
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	report := &CleanupReport{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_message, assistant_message, tool_calls FROM turns
		 WHERE project_path = ? AND created_at < ? ORDER BY created_at, id`,
		projectPath, cutoff)
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}
	var turnRows []turnRow
	for rows.Next() {
		var r turnRow
		if err := rows.Scan(&r.user, &r.assistant, &r.toolCalls); err != nil {
			rows.Close()
			return nil, fmt.Errorf("cleanup: %w", err)
		}
		turnRows = append(turnRows, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}

	if len(turnRows) > 0 {
		sum := summarizeRows(turnRows)
		sum.ProjectPath = projectPath
		sum.Period = "archived"
		if err := s.insertSummary(ctx, sum); err != nil {
			return nil, err
		}
		report.SummaryCreated = true
		report.TokensSaved = sum.TokensSaved
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM turns WHERE project_path = ? AND created_at < ?`,
		projectPath, cutoff)
	if err != nil {
		return nil, fmt.Errorf("cleanup turns: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		report.TurnsDeleted = int(n)
	}

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM sessions
		 WHERE project_path = ? AND ended_at IS NOT NULL AND started_at < ?
		   AND id NOT IN (SELECT DISTINCT session_id FROM turns)`,
		projectPath, cutoff)
	if err != nil {
		return nil, fmt.Errorf("cleanup sessions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		report.SessionsDeleted = int(n)
	}

	s.obs.Log().Info().
		Str("project", projectPath).
		Int("turns_deleted", report.TurnsDeleted).
		Int("sessions_deleted", report.SessionsDeleted).
		Msg("memory cleanup done")
	return report, nil
}

// ProjectStats aggregates what the store holds for one project.
type ProjectStats struct {
	Sessions    int
	Turns       int
	Summaries   int
	TotalTokens int
	TotalCost   float64
	TokensSaved int
	OldestTurn  *time.Time
	NewestTurn  *time.Time
}

// Stats reports storage totals for a project.
func (s *Store) Stats(ctx context.Context, projectPath string) (*ProjectStats, error) {
	ctx, span := s.obs.StartSpan(ctx, "memory.Stats")
	defer span.End()

	stats := &ProjectStats{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE project_path = ?`, projectPath).
		Scan(&stats.Sessions)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	var oldest, newest sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens + output_tokens), 0), COALESCE(SUM(cost), 0),
		        MIN(created_at), MAX(created_at)
		 FROM turns WHERE project_path = ?`, projectPath).
		Scan(&stats.Turns, &stats.TotalTokens, &stats.TotalCost, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if t, ok := parseStoredTime(oldest); ok {
		stats.OldestTurn = &t
	}
	if t, ok := parseStoredTime(newest); ok {
		stats.NewestTurn = &t
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_saved), 0) FROM summaries WHERE project_path = ?`,
		projectPath).
		Scan(&stats.Summaries, &stats.TokensSaved)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	return stats, nil
}

// ListSessions returns a project's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, projectPath string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_path, started_at, ended_at, turn_count, total_tokens, total_cost
		 FROM sessions WHERE project_path = ? ORDER BY started_at DESC LIMIT ?`,
		projectPath, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var ended sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.ProjectPath, &sess.StartedAt, &ended,
			&sess.TurnCount, &sess.TotalTokens, &sess.TotalCost); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetConfig stores a key/value pair (used for provider settings and
// encrypted credentials).
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// GetConfig reads a stored value. A missing key returns "" without error.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) insertSummary(ctx context.Context, sum *Summary) error {
	topics, _ := json.Marshal(sum.Topics)
	files, _ := json.Marshal(sum.Files)
	decisions, _ := json.Marshal(sum.Decisions)

	sum.CreatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (session_id, project_path, period, summary, topics, files, decisions, tokens, tokens_saved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SessionID, sum.ProjectPath, sum.Period, sum.Text,
		string(topics), string(files), string(decisions),
		sum.Tokens, sum.TokensSaved, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		sum.ID = id
	}
	return nil
}

// parseStoredTime handles the driver returning timestamps as text.
func parseStoredTime(v sql.NullString) (time.Time, bool) {
	if !v.Valid || v.String == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, v.String); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// EstimateTokens approximates token count without a tokenizer: roughly one
// token per four characters, floored at the word count for terse text.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	est := len(s) / 4
	if w := len(strings.Fields(s)); w > est {
		est = w
	}
	if est < 1 {
		est = 1
	}
	return est
}
