// Package sqlite is the default durable.Store, backed by a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alekspetrov/recap/internal/durable"
)

// Store persists workflow state to SQLite so instances survive restarts.
// Times are stored as unix milliseconds.
type Store struct {
	db *sql.DB
}

var _ durable.Store = (*Store)(nil)

// New creates a Store using an existing connection and runs migrations.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("sqlite store migration failed: %w", err)
	}
	return s, nil
}

// Open opens (creating if needed) the database at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}
	return New(db)
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			item_key TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			error TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT UNIQUE,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_item ON instances(item_key)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			result BLOB,
			created_at INTEGER NOT NULL,
			UNIQUE (instance_id, step_name)
		)`,
		`CREATE TABLE IF NOT EXISTS callbacks (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			name TEXT NOT NULL,
			deadline INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			resolution_kind TEXT,
			resolution_payload BLOB,
			resolved_at INTEGER,
			UNIQUE (instance_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_callbacks_pending ON callbacks(deadline) WHERE resolution_kind IS NULL`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const instanceColumns = `id, workflow, item_key, status, input, output, error, idempotency_key, attempts, created_at, updated_at, completed_at`

func (s *Store) CreateInstance(ctx context.Context, inst *durable.Instance) (*durable.Instance, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Workflow, inst.ItemKey, string(inst.Status),
		[]byte(inst.Input), []byte(inst.Output), inst.Error,
		nullString(inst.IdempotencyKey), inst.Attempts,
		inst.CreatedAt.UnixMilli(), inst.UpdatedAt.UnixMilli(), nullTime(inst.CompletedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		stored, err := s.GetInstance(ctx, inst.ID)
		return stored, true, err
	}
	if inst.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("insert instance %s: id already exists", inst.ID)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE idempotency_key = ?`, inst.IdempotencyKey)
	existing, err := scanInstance(row)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*durable.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

func (s *Store) UpdateInstance(ctx context.Context, inst *durable.Instance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status = ?, output = ?, error = ?, attempts = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(inst.Status), []byte(inst.Output), inst.Error, inst.Attempts,
		inst.UpdatedAt.UnixMilli(), nullTime(inst.CompletedAt), inst.ID,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return durable.ErrNotFound
	}
	return nil
}

func (s *Store) ListInstances(ctx context.Context, filter durable.InstanceFilter) ([]*durable.Instance, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.ItemKey != "" {
		where = append(where, "item_key = ?")
		args = append(args, filter.ItemKey)
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UnixMilli())
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*durable.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return durable.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE instance_id = ?`, id); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM callbacks WHERE instance_id = ?`, id); err != nil {
		return fmt.Errorf("delete callbacks: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetCheckpoint(ctx context.Context, instanceID, stepName string) (*durable.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, instance_id, step_name, result, created_at
		FROM checkpoints WHERE instance_id = ? AND step_name = ?`, instanceID, stepName)
	return scanCheckpoint(row)
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *durable.Checkpoint) (*durable.Checkpoint, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (instance_id, step_name, result, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id, step_name) DO NOTHING`,
		cp.InstanceID, cp.StepName, []byte(cp.Result), cp.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	return s.GetCheckpoint(ctx, cp.InstanceID, cp.StepName)
}

func (s *Store) ListCheckpoints(ctx context.Context, instanceID string) ([]*durable.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, instance_id, step_name, result, created_at
		FROM checkpoints WHERE instance_id = ? ORDER BY seq`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*durable.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

const callbackColumns = `id, instance_id, name, deadline, created_at, resolution_kind, resolution_payload, resolved_at`

func (s *Store) CreateCallback(ctx context.Context, cb *durable.Callback) (*durable.Callback, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callbacks (id, instance_id, name, deadline, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, name) DO NOTHING`,
		cb.ID, cb.InstanceID, cb.Name, cb.Deadline.UnixMilli(), cb.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert callback: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+callbackColumns+` FROM callbacks WHERE instance_id = ? AND name = ?`, cb.InstanceID, cb.Name)
	return scanCallback(row)
}

func (s *Store) GetCallback(ctx context.Context, id string) (*durable.Callback, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callbackColumns+` FROM callbacks WHERE id = ?`, id)
	return scanCallback(row)
}

func (s *Store) ResolveCallback(ctx context.Context, id string, res durable.Resolution) (bool, error) {
	at := res.ResolvedAt.UnixMilli()
	deadlineGuard := "deadline > ?"
	if res.Kind == durable.ResolutionTimedOut {
		deadlineGuard = "deadline <= ?"
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE callbacks SET resolution_kind = ?, resolution_payload = ?, resolved_at = ?
		WHERE id = ? AND resolution_kind IS NULL AND `+deadlineGuard,
		string(res.Kind), []byte(res.Payload), at, id, at,
	)
	if err != nil {
		return false, fmt.Errorf("resolve callback: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ListCallbacks(ctx context.Context, instanceID string) ([]*durable.Callback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callbackColumns+` FROM callbacks
		WHERE instance_id = ?
		ORDER BY created_at, id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list callbacks: %w", err)
	}
	return collectCallbacks(rows)
}

func (s *Store) ListExpiredCallbacks(ctx context.Context, now time.Time) ([]*durable.Callback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callbackColumns+` FROM callbacks
		WHERE resolution_kind IS NULL AND deadline <= ?
		ORDER BY deadline`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list expired callbacks: %w", err)
	}
	return collectCallbacks(rows)
}

func collectCallbacks(rows *sql.Rows) ([]*durable.Callback, error) {
	defer func() { _ = rows.Close() }()

	var out []*durable.Callback
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*durable.Instance, error) {
	var (
		inst        durable.Instance
		status      string
		input       []byte
		output      []byte
		idem        sql.NullString
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&inst.ID, &inst.Workflow, &inst.ItemKey, &status, &input, &output,
		&inst.Error, &idem, &inst.Attempts, &createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	inst.Status = durable.Status(status)
	if len(input) > 0 {
		inst.Input = input
	}
	if len(output) > 0 {
		inst.Output = output
	}
	inst.IdempotencyKey = idem.String
	inst.CreatedAt = time.UnixMilli(createdAt).UTC()
	inst.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		inst.CompletedAt = &t
	}
	return &inst, nil
}

func scanCheckpoint(row scanner) (*durable.Checkpoint, error) {
	var (
		cp        durable.Checkpoint
		result    []byte
		createdAt int64
	)
	err := row.Scan(&cp.Seq, &cp.InstanceID, &cp.StepName, &result, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	cp.Result = result
	cp.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &cp, nil
}

func scanCallback(row scanner) (*durable.Callback, error) {
	var (
		cb         durable.Callback
		deadline   int64
		createdAt  int64
		kind       sql.NullString
		payload    []byte
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&cb.ID, &cb.InstanceID, &cb.Name, &deadline, &createdAt, &kind, &payload, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan callback: %w", err)
	}
	cb.Deadline = time.UnixMilli(deadline).UTC()
	cb.CreatedAt = time.UnixMilli(createdAt).UTC()
	if kind.Valid {
		res := durable.Resolution{Kind: durable.ResolutionKind(kind.String)}
		if len(payload) > 0 {
			res.Payload = payload
		}
		if resolvedAt.Valid {
			res.ResolvedAt = time.UnixMilli(resolvedAt.Int64).UTC()
		}
		cb.Resolution = &res
	}
	return &cb, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
