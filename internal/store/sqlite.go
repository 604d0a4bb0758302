package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/dispatch/pkg/model"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		// Per-connection pragmas go in the DSN so every pooled connection gets them.
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// IsBusy reports whether err is a transient lock error worth retrying.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// --- Column encoding ---

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// marshalList encodes a string list, writing "[]" for nil.
func marshalList(xs []string) string {
	if len(xs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(xs)
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(xs []string) []any {
	args := make([]any, len(xs))
	for i, x := range xs {
		args[i] = x
	}
	return args
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Task operations ---

const taskColumns = `id, account_id, status, task_type, async, agent_id,
	eligible_agents, already_tried, broadcast_to, broadcast_count, broadcast_round,
	last_broadcast_at, next_broadcast_at, capabilities, validation_started_at,
	validating_agents, validation_complete_agents, force_execute, wait_id,
	execution_timeout_ms, payload, version, created_at, expiry_at`

// headerColumns never decode JSON in Go; invalid JSON yields an eligible
// count of -1 instead of an error.
const headerColumns = `id, account_id, status, agent_id, wait_id, force_execute,
	broadcast_round, next_broadcast_at, expiry_at, validation_started_at,
	CASE WHEN NOT json_valid(eligible_agents) THEN -1
	     ELSE json_array_length(eligible_agents) END,
	CASE WHEN NOT json_valid(eligible_agents) OR NOT json_valid(validation_complete_agents) THEN 0
	     WHEN json_array_length(eligible_agents) = 0 THEN 0
	     ELSE NOT EXISTS (
	         SELECT 1 FROM json_each(tasks.eligible_agents) e
	         WHERE e.value NOT IN (SELECT c.value FROM json_each(tasks.validation_complete_agents) c))
	END,
	version`

func scanTask(row scanner) (*model.Task, error) {
	var t model.Task
	var status, eligible, tried, broadcastTo, caps, validating, complete, payload string
	var async, force int
	var timeoutMS, nextBroadcast, createdAt, expiryAt int64
	var lastBroadcast, validationStarted sql.NullInt64

	if err := row.Scan(&t.ID, &t.AccountID, &status, &t.TaskType, &async, &t.AgentID,
		&eligible, &tried, &broadcastTo, &t.BroadcastCount, &t.BroadcastRound,
		&lastBroadcast, &nextBroadcast, &caps, &validationStarted,
		&validating, &complete, &force, &t.WaitID,
		&timeoutMS, &payload, &t.Version, &createdAt, &expiryAt); err != nil {
		return nil, err
	}

	t.Status = model.TaskStatus(status)
	t.Async = async != 0
	t.ForceExecute = force != 0
	t.LastBroadcastAt = fromNullMillis(lastBroadcast)
	t.NextBroadcastAt = fromMillis(nextBroadcast)
	t.ValidationStartedAt = fromNullMillis(validationStarted)
	t.ExecutionTimeout = time.Duration(timeoutMS) * time.Millisecond
	t.CreatedAt = fromMillis(createdAt)
	t.ExpiryAt = fromMillis(expiryAt)
	if payload != "" {
		t.Payload = json.RawMessage(payload)
	}

	for _, f := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"eligible_agents", eligible, &t.EligibleAgents},
		{"already_tried", tried, &t.AlreadyTried},
		{"broadcast_to", broadcastTo, &t.BroadcastTo},
		{"capabilities", caps, &t.Capabilities},
		{"validating_agents", validating, &t.ValidatingAgents},
		{"validation_complete_agents", complete, &t.ValidationCompleteAgents},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("task %s: unmarshal %s: %w", t.ID, f.name, err)
		}
	}
	return &t, nil
}

func scanHeader(row scanner) (*model.TaskHeader, error) {
	var h model.TaskHeader
	var status string
	var force, allValidated int
	var nextBroadcast, expiryAt int64
	var validationStarted sql.NullInt64

	if err := row.Scan(&h.ID, &h.AccountID, &status, &h.AgentID, &h.WaitID, &force,
		&h.BroadcastRound, &nextBroadcast, &expiryAt, &validationStarted,
		&h.EligibleCount, &allValidated, &h.Version); err != nil {
		return nil, err
	}
	h.Status = model.TaskStatus(status)
	h.ForceExecute = force != 0
	h.NextBroadcastAt = fromMillis(nextBroadcast)
	h.ExpiryAt = fromMillis(expiryAt)
	h.ValidationStartedAt = fromNullMillis(validationStarted)
	h.AllValidated = allValidated != 0
	return &h, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	s.logger.Debug("sql", "op", "insert", "table", "tasks", "id", t.ID)

	capsJSON, err := json.Marshal(t.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	if t.Capabilities == nil {
		capsJSON = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, string(t.Status), t.TaskType, boolInt(t.Async), t.AgentID,
		marshalList(t.EligibleAgents), marshalList(t.AlreadyTried), marshalList(t.BroadcastTo),
		t.BroadcastCount, t.BroadcastRound,
		nullMillis(t.LastBroadcastAt), millis(t.NextBroadcastAt), string(capsJSON),
		nullMillis(t.ValidationStartedAt),
		marshalList(t.ValidatingAgents), marshalList(t.ValidationCompleteAgents),
		boolInt(t.ForceExecute), t.WaitID,
		t.ExecutionTimeout.Milliseconds(), string(t.Payload), t.Version,
		millis(t.CreatedAt), millis(t.ExpiryAt),
	)
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)

	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *SQLiteStore) GetTasks(ctx context.Context, ids []string) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "select_many", "table", "tasks", "count", len(ids))
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) GetTaskHeader(ctx context.Context, id string) (*model.TaskHeader, error) {
	s.logger.Debug("sql", "op", "select_header", "table", "tasks", "id", id)

	h, err := scanHeader(s.db.QueryRowContext(ctx,
		`SELECT `+headerColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return h, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context, opts model.ListOptions) ([]*model.Task, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "tasks", "account_id", opts.AccountID, "status", opts.Status)
	opts.Clamp()

	where := "1=1"
	var args []any
	if opts.AccountID != "" {
		where += " AND account_id = ?"
		args = append(args, opts.AccountID)
	}
	if opts.Status != "" {
		where += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			// One corrupt row must not hide the rest of the page.
			s.logger.Warn("skip undecodable task", "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]string, error) {
	s.logger.Debug("sql", "op", "list_accounts")

	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id FROM tasks UNION SELECT account_id FROM agents ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) FindDueForBroadcast(ctx context.Context, accountID string, now time.Time, maxRounds, limit int) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "find_due_broadcast", "account_id", accountID)

	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE account_id = ? AND status = 'QUEUED' AND agent_id = ''
		   AND next_broadcast_at < ? AND expiry_at > ? AND broadcast_round < ?
		   AND eligible_agents != '[]'
		 ORDER BY created_at, id LIMIT ?`,
		accountID, millis(now), millis(now), maxRounds, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			s.logger.Warn("skip undecodable task", "account_id", accountID, "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateBroadcast(ctx context.Context, id string, expectedCount int64, ch BroadcastChanges) (bool, error) {
	s.logger.Debug("sql", "op", "update_broadcast", "table", "tasks", "id", id, "expected_count", expectedCount)

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET eligible_agents=?, already_tried=?, broadcast_to=?,
		 broadcast_round=?, last_broadcast_at=?, next_broadcast_at=?,
		 broadcast_count=broadcast_count+1, version=version+1
		 WHERE id=? AND broadcast_count=? AND status='QUEUED' AND agent_id=''`,
		marshalList(ch.EligibleAgents), marshalList(ch.AlreadyTried), marshalList(ch.BroadcastTo),
		ch.BroadcastRound, millis(ch.LastBroadcastAt), millis(ch.NextBroadcastAt),
		id, expectedCount,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) FindExpiryCandidates(ctx context.Context, accountID string) ([]model.TaskHeader, error) {
	s.logger.Debug("sql", "op", "find_expiry_candidates", "account_id", accountID)

	return s.queryHeaders(ctx,
		`SELECT `+headerColumns+` FROM tasks
		 WHERE account_id = ? AND status IN ('QUEUED', 'PARKED', 'ABORTED', 'STARTED')
		 ORDER BY created_at, id`, accountID)
}

func (s *SQLiteStore) FindStartedOnAgents(ctx context.Context, accountID string, agentIDs []string) ([]model.TaskHeader, error) {
	s.logger.Debug("sql", "op", "find_started_on_agents", "account_id", accountID, "agents", len(agentIDs))
	if len(agentIDs) == 0 {
		return nil, nil
	}

	args := append([]any{accountID}, stringArgs(agentIDs)...)
	return s.queryHeaders(ctx,
		`SELECT `+headerColumns+` FROM tasks
		 WHERE account_id = ? AND status = 'STARTED' AND agent_id IN (`+placeholders(len(agentIDs))+`)
		 ORDER BY created_at, id`, args...)
}

func (s *SQLiteStore) queryHeaders(ctx context.Context, query string, args ...any) ([]model.TaskHeader, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var headers []model.TaskHeader
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		headers = append(headers, *h)
	}
	return headers, rows.Err()
}

func (s *SQLiteStore) ClaimTask(ctx context.Context, id, agentID string, expiryAt time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "claim", "table", "tasks", "id", id, "agent_id", agentID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status='STARTED', agent_id=?, expiry_at=?, version=version+1
		 WHERE id=? AND status='QUEUED' AND agent_id=''`,
		agentID, millis(expiryAt), id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.Task) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", t.ID, "version", t.Version)

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, agent_id=?, eligible_agents=?, already_tried=?,
		 validation_started_at=?, validating_agents=?, validation_complete_agents=?,
		 force_execute=?, expiry_at=?, payload=?, version=version+1
		 WHERE id=? AND version=?`,
		string(t.Status), t.AgentID, marshalList(t.EligibleAgents), marshalList(t.AlreadyTried),
		nullMillis(t.ValidationStartedAt), marshalList(t.ValidatingAgents), marshalList(t.ValidationCompleteAgents),
		boolInt(t.ForceExecute), millis(t.ExpiryAt), string(t.Payload),
		t.ID, t.Version,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil || n != 1 {
		return false, err
	}
	t.Version++
	return true, nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string, expectedVersion int64) (bool, error) {
	s.logger.Debug("sql", "op", "delete", "table", "tasks", "id", id, "version", expectedVersion)

	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// --- Agent operations ---

const agentColumns = `id, account_id, host_name, ip, status, group_name,
	last_heartbeat, last_expired_event_heartbeat, group_expiry_at, registered_at,
	EXISTS (SELECT 1 FROM agent_connections c WHERE c.agent_id = agents.id AND c.disconnected = 0)`

func scanAgent(row scanner) (*model.Agent, error) {
	var a model.Agent
	var status string
	var lastHeartbeat, lastExpired, registeredAt int64
	var groupExpiry sql.NullInt64
	var connected int

	if err := row.Scan(&a.ID, &a.AccountID, &a.HostName, &a.IP, &status, &a.GroupName,
		&lastHeartbeat, &lastExpired, &groupExpiry, &registeredAt, &connected); err != nil {
		return nil, err
	}
	a.Status = model.AgentStatus(status)
	a.LastHeartbeat = fromMillis(lastHeartbeat)
	a.LastExpiredEventHeartbeat = fromMillis(lastExpired)
	a.GroupExpiryAt = fromNullMillis(groupExpiry)
	a.RegisteredAt = fromMillis(registeredAt)
	a.Connected = connected != 0
	return &a, nil
}

func (s *SQLiteStore) queryAgents(ctx context.Context, query string, args ...any) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) RegisterAgent(ctx context.Context, a *model.Agent) error {
	s.logger.Debug("sql", "op", "upsert", "table", "agents", "id", a.ID)

	status := a.Status
	if status == "" {
		status = model.AgentStatusEnabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, account_id, host_name, ip, status, group_name,
		 last_heartbeat, last_expired_event_heartbeat, group_expiry_at, registered_seq, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(registered_seq), 0) + 1 FROM agents), ?)
		 ON CONFLICT(id) DO UPDATE SET host_name=excluded.host_name, ip=excluded.ip,
		 group_name=excluded.group_name`,
		a.ID, a.AccountID, a.HostName, a.IP, string(status), a.GroupName,
		millis(a.LastHeartbeat), millis(a.LastExpiredEventHeartbeat), nullMillis(a.GroupExpiryAt),
		millis(a.RegisteredAt),
	)
	return err
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	s.logger.Debug("sql", "op", "select", "table", "agents", "id", id)

	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *SQLiteStore) ListAgents(ctx context.Context, accountID string) ([]*model.Agent, error) {
	s.logger.Debug("sql", "op", "list", "table", "agents", "account_id", accountID)

	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE account_id = ? ORDER BY registered_seq`, accountID)
}

func (s *SQLiteStore) SetAgentStatus(ctx context.Context, id string, status model.AgentStatus) error {
	s.logger.Debug("sql", "op", "update_status", "table", "agents", "id", id, "status", status)

	result, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) SetGroupExpiry(ctx context.Context, id string, at *time.Time) error {
	s.logger.Debug("sql", "op", "update_group_expiry", "table", "agents", "id", id)

	result, err := s.db.ExecContext(ctx, `UPDATE agents SET group_expiry_at = ? WHERE id = ?`, nullMillis(at), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, c *model.AgentConnection) error {
	s.logger.Debug("sql", "op", "heartbeat", "table", "agent_connections", "agent_id", c.AgentID, "connection_id", c.ID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ? WHERE id = ?`, millis(c.LastHeartbeat), c.AgentID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", c.AgentID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_connections (id, agent_id, account_id, version, last_heartbeat, disconnected)
		 VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT(id) DO UPDATE SET version=excluded.version,
		 last_heartbeat=excluded.last_heartbeat, disconnected=0`,
		c.ID, c.AgentID, c.AccountID, c.Version, millis(c.LastHeartbeat)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListConnections(ctx context.Context, agentID string) ([]*model.AgentConnection, error) {
	s.logger.Debug("sql", "op", "list", "table", "agent_connections", "agent_id", agentID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, account_id, version, last_heartbeat, disconnected
		 FROM agent_connections WHERE agent_id = ? ORDER BY id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*model.AgentConnection
	for rows.Next() {
		var c model.AgentConnection
		var lastHeartbeat int64
		var disconnected int
		if err := rows.Scan(&c.ID, &c.AgentID, &c.AccountID, &c.Version, &lastHeartbeat, &disconnected); err != nil {
			return nil, err
		}
		c.LastHeartbeat = fromMillis(lastHeartbeat)
		c.Disconnected = disconnected != 0
		conns = append(conns, &c)
	}
	return conns, rows.Err()
}

func (s *SQLiteStore) DisconnectConnections(ctx context.Context, agentID string) (int64, error) {
	s.logger.Debug("sql", "op", "disconnect", "table", "agent_connections", "agent_id", agentID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_connections SET disconnected = 1 WHERE agent_id = ? AND disconnected = 0`, agentID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) FindLapsedAgents(ctx context.Context, accountID string, cutoff time.Time) ([]*model.Agent, error) {
	s.logger.Debug("sql", "op", "find_lapsed", "table", "agents", "account_id", accountID)

	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE account_id = ? AND last_heartbeat < ? AND last_expired_event_heartbeat < last_heartbeat
		 ORDER BY registered_seq`, accountID, millis(cutoff))
}

func (s *SQLiteStore) FindExpiredAgents(ctx context.Context, accountID string, cutoff time.Time) ([]*model.Agent, error) {
	s.logger.Debug("sql", "op", "find_expired", "table", "agents", "account_id", accountID)

	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE account_id = ? AND last_heartbeat < ? ORDER BY registered_seq`, accountID, millis(cutoff))
}

func (s *SQLiteStore) MarkDisconnectHandled(ctx context.Context, id string, observedHeartbeat time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "mark_disconnect_handled", "table", "agents", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_expired_event_heartbeat = last_heartbeat
		 WHERE id = ? AND last_heartbeat = ?`, id, millis(observedHeartbeat))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) FindGroupExpiring(ctx context.Context, accountID string, before time.Time) ([]*model.Agent, error) {
	s.logger.Debug("sql", "op", "find_group_expiring", "table", "agents", "account_id", accountID)

	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE account_id = ? AND group_expiry_at IS NOT NULL AND group_expiry_at < ?
		 ORDER BY registered_seq`, accountID, millis(before))
}

// --- Capability results ---

func (s *SQLiteStore) UpsertCapabilityResult(ctx context.Context, r *model.CapabilityCheckResult) error {
	s.logger.Debug("sql", "op", "upsert", "table", "capability_results",
		"agent_id", r.AgentID, "criteria", r.Criteria)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capability_results (account_id, agent_id, criteria, validated, checked_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(account_id, agent_id, criteria) DO UPDATE SET
		 validated=excluded.validated, checked_at=excluded.checked_at`,
		r.AccountID, r.AgentID, r.Criteria, boolInt(r.Validated), millis(r.CheckedAt))
	return err
}

func (s *SQLiteStore) ListCapabilityResults(ctx context.Context, accountID string) ([]*model.CapabilityCheckResult, error) {
	s.logger.Debug("sql", "op", "list", "table", "capability_results", "account_id", accountID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, agent_id, criteria, validated, checked_at
		 FROM capability_results WHERE account_id = ? ORDER BY agent_id, criteria`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*model.CapabilityCheckResult
	for rows.Next() {
		var r model.CapabilityCheckResult
		var validated int
		var checkedAt int64
		if err := rows.Scan(&r.AccountID, &r.AgentID, &r.Criteria, &validated, &checkedAt); err != nil {
			return nil, err
		}
		r.Validated = validated != 0
		r.CheckedAt = fromMillis(checkedAt)
		results = append(results, &r)
	}
	return results, rows.Err()
}

// --- Responses ---

func (s *SQLiteStore) InsertResponse(ctx context.Context, r *model.Response) (bool, error) {
	s.logger.Debug("sql", "op", "insert", "table", "responses", "wait_id", r.WaitID, "task_id", r.TaskID)

	outcomeJSON, err := json.Marshal(r.Outcome)
	if err != nil {
		return false, fmt.Errorf("marshal outcome: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO responses (wait_id, task_id, account_id, outcome, delivered_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(wait_id) DO NOTHING`,
		r.WaitID, r.TaskID, r.AccountID, string(outcomeJSON), millis(r.DeliveredAt))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) GetResponse(ctx context.Context, waitID string) (*model.Response, error) {
	s.logger.Debug("sql", "op", "select", "table", "responses", "wait_id", waitID)

	var r model.Response
	var outcomeJSON string
	var deliveredAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT wait_id, task_id, account_id, outcome, delivered_at FROM responses WHERE wait_id = ?`, waitID,
	).Scan(&r.WaitID, &r.TaskID, &r.AccountID, &outcomeJSON, &deliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("response %s: %w", waitID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outcomeJSON), &r.Outcome); err != nil {
		return nil, fmt.Errorf("unmarshal outcome: %w", err)
	}
	r.DeliveredAt = fromMillis(deliveredAt)
	return &r, nil
}
