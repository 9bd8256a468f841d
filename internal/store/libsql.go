package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements Store on an embedded libSQL database.
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens the database at dsn, e.g. "file:/var/lib/stepflow/stepflow.db".
func NewLibSQLStore(dsn string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One writer keeps the CAS update and step upserts of a checkpoint serialised.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return a row, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB exposes the underlying handle.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Versions ---

func (s *LibSQLStore) SaveVersion(ctx context.Context, v *WorkflowVersion) error {
	def, err := json.Marshal(v.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	v.PublishedAt = timeOrNow(v.PublishedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_versions (code, version, definition, published_at) VALUES (?, ?, ?, ?)`,
		v.Code, v.Version, string(def), v.PublishedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "version %s@%d already published", v.Code, v.Version)
	}
	return err
}

func (s *LibSQLStore) GetPublishedVersion(ctx context.Context, code string, version int) (*WorkflowVersion, error) {
	q := `SELECT code, version, definition, published_at FROM workflow_versions WHERE code = ?`
	args := []any{code}
	if version > 0 {
		q += ` AND version = ?`
		args = append(args, version)
	}
	q += ` ORDER BY version DESC LIMIT 1`

	v, err := scanVersion(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow version", versionLabel(code, version))
	}
	return v, err
}

func (s *LibSQLStore) ListVersions(ctx context.Context, code string) ([]*WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, version, definition, published_at FROM workflow_versions WHERE code = ? ORDER BY version`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(sc scanner) (*WorkflowVersion, error) {
	v := &WorkflowVersion{}
	var def string
	if err := sc.Scan(&v.Code, &v.Version, &def, &v.PublishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(def), &v.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return v, nil
}

// --- Runs ---

const runColumns = `id, definition_code, version, status, current_step_id, context, correlation_id,
	awaiting_signal, error, revision, sequence, created_at, updated_at, completed_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	return insertRun(ctx, s.db, run)
}

func (s *LibSQLStore) CreateRunOnce(ctx context.Context, run *Run, key string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback()

	id, _ := json.Marshal(run.ID)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, result, created_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
		key, string(id), timeOrNow(run.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("claim key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		var result string
		if err := tx.QueryRowContext(ctx, `SELECT result FROM idempotency_keys WHERE key = ?`, key).Scan(&result); err != nil {
			return "", fmt.Errorf("read key owner: %w", err)
		}
		var owner string
		if err := json.Unmarshal([]byte(result), &owner); err != nil {
			return "", fmt.Errorf("decode key owner: %w", err)
		}
		return owner, nil
	}

	if err := insertRun(ctx, tx, run); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit create run: %w", err)
	}
	return run.ID, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRun(ctx context.Context, db execer, run *Run) error {
	if run.Revision == 0 {
		run.Revision = 1
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = run.CreatedAt
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DefinitionCode, run.Version, string(run.Status), nullStr(run.CurrentStepID),
		contextOrEmpty(run.Context), nullStr(run.CorrelationID), nullStr(run.AwaitingSignal), nullRaw(run.Error),
		run.Revision, run.Sequence, run.CreatedAt, run.UpdatedAt, nullTime(run.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) FindRunByCorrelation(ctx context.Context, correlationID string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE correlation_id = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		correlationID, string(schema.RunStatusRunning), string(schema.RunStatusPaused)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("active run with correlation id", correlationID)
	}
	return run, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.DefinitionCode != "" {
		where = append(where, "definition_code = ?")
		args = append(args, filter.DefinitionCode)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.AwaitingSignal != "" {
		where = append(where, "awaiting_signal = ?")
		args = append(args, filter.AwaitingSignal)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) Checkpoint(ctx context.Context, run *Run, steps ...*RunStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	now := timeOrNow(run.UpdatedAt)
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, current_step_id = ?, context = ?, awaiting_signal = ?, error = ?,
		 sequence = ?, completed_at = ?, updated_at = ?, revision = revision + 1
		 WHERE id = ? AND revision = ?`,
		string(run.Status), nullStr(run.CurrentStepID), contextOrEmpty(run.Context), nullStr(run.AwaitingSignal),
		nullRaw(run.Error), run.Sequence, nullTime(run.CompletedAt), now, run.ID, run.Revision,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, run.ID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return storeNotFound("run", run.ID)
		}
		return revisionConflict(run)
	}

	for _, st := range steps {
		if err := upsertRunStep(ctx, tx, st); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	run.Revision++
	run.UpdatedAt = now
	return nil
}

func upsertRunStep(ctx context.Context, tx *sql.Tx, st *RunStep) error {
	st.StartedAt = timeOrNow(st.StartedAt)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO run_steps (id, run_id, step_id, step_type, status, attempt, execution_key, position,
		   completion_seq, output, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, completion_seq = excluded.completion_seq,
		   output = excluded.output, error = excluded.error, completed_at = excluded.completed_at`,
		st.ID, st.RunID, st.StepID, string(st.StepType), string(st.Status), st.Attempt, st.ExecutionKey,
		st.Position, nullInt(st.CompletionSeq), nullRaw(st.Output), nullStr(st.Error), st.StartedAt, nullTime(st.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert run step %s: %w", st.StepID, err)
	}
	return nil
}

const stepColumns = `id, run_id, step_id, step_type, status, attempt, execution_key, position,
	completion_seq, output, error, started_at, completed_at`

func (s *LibSQLStore) ListRunSteps(ctx context.Context, runID string) ([]*RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*RunStep
	for rows.Next() {
		st := &RunStep{}
		var (
			stepType, status string
			completionSeq    sql.NullInt64
			output, errMsg   sql.NullString
			completedAt      sql.NullTime
		)
		if err := rows.Scan(&st.ID, &st.RunID, &st.StepID, &stepType, &status, &st.Attempt, &st.ExecutionKey,
			&st.Position, &completionSeq, &output, &errMsg, &st.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		st.StepType = schema.StepType(stepType)
		st.Status = schema.StepStatus(status)
		st.CompletionSeq = completionSeq.Int64
		st.Output = rawOrNil(output)
		st.Error = errMsg.String
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *LibSQLStore) CountRunSteps(ctx context.Context, runID, stepID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_steps WHERE run_id = ? AND step_id = ?`, runID, stepID).Scan(&n)
	return n, err
}

func (s *LibSQLStore) UpdateRunStep(ctx context.Context, st *RunStep) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_steps SET status = ?, output = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(st.Status), nullRaw(st.Output), nullStr(st.Error), nullTime(st.CompletedAt), st.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run step", st.ID)
}

func scanRun(sc scanner) (*Run, error) {
	run := &Run{}
	var (
		status                  string
		current, corr, awaiting sql.NullString
		contextJSON             string
		errJSON                 sql.NullString
		completedAt             sql.NullTime
	)
	if err := sc.Scan(&run.ID, &run.DefinitionCode, &run.Version, &status, &current, &contextJSON, &corr,
		&awaiting, &errJSON, &run.Revision, &run.Sequence, &run.CreatedAt, &run.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.CurrentStepID = current.String
	run.Context = json.RawMessage(contextJSON)
	run.CorrelationID = corr.String
	run.AwaitingSignal = awaiting.String
	run.Error = rawOrNil(errJSON)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Timers ---

func (s *LibSQLStore) CreateTimer(ctx context.Context, t *Timer) error {
	t.CreatedAt = timeOrNow(t.CreatedAt)
	t.Status = schema.TimerStatusPending
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers (id, run_id, step_id, signal_name, due_at_ms, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(signal_name) DO UPDATE SET id = excluded.id, due_at_ms = excluded.due_at_ms, status = excluded.status,
		   created_at = excluded.created_at, fired_at = NULL`,
		t.ID, t.RunID, t.StepID, t.SignalName, t.DueAt.UnixMilli(), string(t.Status), t.CreatedAt,
	)
	return err
}

const timerColumns = `id, run_id, step_id, signal_name, due_at_ms, status, created_at, fired_at`

func (s *LibSQLStore) GetTimer(ctx context.Context, signalName string) (*Timer, error) {
	t, err := scanTimer(s.db.QueryRowContext(ctx, `SELECT `+timerColumns+` FROM timers WHERE signal_name = ?`, signalName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("timer", signalName)
	}
	return t, err
}

func (s *LibSQLStore) ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+timerColumns+` FROM timers WHERE status = ? AND due_at_ms <= ? ORDER BY due_at_ms LIMIT ?`,
		string(schema.TimerStatusPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []*Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

func (s *LibSQLStore) FireTimer(ctx context.Context, signalName string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timers SET status = ?, fired_at = ? WHERE signal_name = ? AND status = ?`,
		string(schema.TimerStatusFired), at, signalName, string(schema.TimerStatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetTimer(ctx, signalName); err != nil {
		return false, err
	}
	return false, nil
}

func (s *LibSQLStore) RetireTimer(ctx context.Context, signalName, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timers SET status = ?, fired_at = ? WHERE signal_name = ? AND id = ? AND status = ?`,
		string(schema.TimerStatusFired), at, signalName, id, string(schema.TimerStatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanTimer(sc scanner) (*Timer, error) {
	t := &Timer{}
	var dueMs int64
	var status string
	var firedAt sql.NullTime
	if err := sc.Scan(&t.ID, &t.RunID, &t.StepID, &t.SignalName, &dueMs, &status, &t.CreatedAt, &firedAt); err != nil {
		return nil, err
	}
	t.DueAt = time.UnixMilli(dueMs).UTC()
	t.Status = schema.TimerStatus(status)
	if firedAt.Valid {
		t.FiredAt = &firedAt.Time
	}
	return t, nil
}

// --- Outbox ---

func (s *LibSQLStore) AddOutboxMessage(ctx context.Context, msg *OutboxMessage) error {
	msg.CreatedAt = timeOrNow(msg.CreatedAt)
	if msg.AvailableAt.IsZero() {
		msg.AvailableAt = msg.CreatedAt
	}
	if msg.Status == "" {
		msg.Status = schema.OutboxStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, event_type, payload, correlation_id, status, attempts, available_at_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.EventType, contextOrEmpty(msg.Payload), nullStr(msg.CorrelationID), string(msg.Status),
		msg.Attempts, msg.AvailableAt.UnixMilli(), msg.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) ListPendingOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, payload, correlation_id, status, attempts, last_error, available_at_ms, created_at, published_at
		 FROM outbox WHERE status = ? AND available_at_ms <= ? ORDER BY created_at, id LIMIT ?`,
		string(schema.OutboxStatusPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*OutboxMessage
	for rows.Next() {
		m := &OutboxMessage{}
		var (
			payload, status string
			corr, lastErr   sql.NullString
			availableMs     int64
			publishedAt     sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.EventType, &payload, &corr, &status, &m.Attempts, &lastErr,
			&availableMs, &m.CreatedAt, &publishedAt); err != nil {
			return nil, err
		}
		m.Payload = json.RawMessage(payload)
		m.CorrelationID = corr.String
		m.Status = schema.OutboxStatus(status)
		m.LastError = lastErr.String
		m.AvailableAt = time.UnixMilli(availableMs).UTC()
		if publishedAt.Valid {
			m.PublishedAt = &publishedAt.Time
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *LibSQLStore) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, published_at = ?, attempts = attempts + 1 WHERE id = ?`,
		string(schema.OutboxStatusPublished), at, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "outbox message", id)
}

func (s *LibSQLStore) MarkOutboxFailed(ctx context.Context, id string, errMsg string, retryAt time.Time, giveUp bool) error {
	status := schema.OutboxStatusPending
	if giveUp {
		status = schema.OutboxStatusFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = ?, available_at_ms = ?, attempts = attempts + 1 WHERE id = ?`,
		string(status), errMsg, retryAt.UnixMilli(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "outbox message", id)
}

// --- Signals ---

func (s *LibSQLStore) RecordSignal(ctx context.Context, sig *SignalRecord) (bool, error) {
	sig.ReceivedAt = timeOrNow(sig.ReceivedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (run_id, name, step_id, idempotency_key, payload, outcome, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		sig.RunID, sig.Name, nullStr(sig.StepID), nullStr(sig.IdempotencyKey), nullRaw(sig.Payload), sig.Outcome, sig.ReceivedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		sig.ID, _ = res.LastInsertId()
	}
	return n == 1, nil
}

func (s *LibSQLStore) HasSignal(ctx context.Context, runID, idempotencyKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signals WHERE run_id = ? AND idempotency_key = ?`, runID, idempotencyKey).Scan(&n)
	return n > 0, err
}

func (s *LibSQLStore) ListSignals(ctx context.Context, runID string) ([]*SignalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, step_id, idempotency_key, payload, outcome, received_at
		 FROM signals WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SignalRecord
	for rows.Next() {
		sig := &SignalRecord{}
		var stepID, key, payload sql.NullString
		if err := rows.Scan(&sig.ID, &sig.RunID, &sig.Name, &stepID, &key, &payload, &sig.Outcome, &sig.ReceivedAt); err != nil {
			return nil, err
		}
		sig.StepID = stepID.String
		sig.IdempotencyKey = key.String
		sig.Payload = rawOrNil(payload)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// --- Idempotency ---

func (s *LibSQLStore) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	rec := &IdempotencyRecord{Key: key}
	var result string
	err := s.db.QueryRowContext(ctx,
		`SELECT result, created_at FROM idempotency_keys WHERE key = ?`, key).Scan(&result, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("idempotency key", key)
	}
	if err != nil {
		return nil, err
	}
	rec.Result = json.RawMessage(result)
	return rec, nil
}

func (s *LibSQLStore) PutIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error {
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, result, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET result = excluded.result`,
		rec.Key, contextOrEmpty(rec.Result), rec.CreatedAt)
	return err
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func revisionConflict(run *Run) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConflict, "run %s was modified concurrently (revision %d is stale)", run.ID, run.Revision).
		WithDetails(map[string]any{"run_id": run.ID, "revision": run.Revision})
}

func versionLabel(code string, version int) string {
	if version == 0 {
		return code + "@latest"
	}
	return fmt.Sprintf("%s@%d", code, version)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func contextOrEmpty(r json.RawMessage) string {
	if len(r) == 0 {
		return "{}"
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
