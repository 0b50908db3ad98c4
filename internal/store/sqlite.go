// ABOUTME: SQLite implementation of the Registry using sqlx over modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Provides instance/session persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver(DriverModernc, sqlx.QUESTION)
}

// SQLiteStore implements Registry, the job table and the key/value cache using SQLite
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver creates a new SQLite store with the named driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS instances (
			id                   TEXT PRIMARY KEY,
			provider_instance_id TEXT NOT NULL DEFAULT '',
			image_id             TEXT NOT NULL DEFAULT '',
			ip_address           TEXT NOT NULL DEFAULT '',
			started_at           TEXT NOT NULL,
			ended_at             TEXT,
			state                TEXT NOT NULL,
			launched_by          TEXT NOT NULL,

			CHECK (state IN ('initiating', 'pending', 'running', 'shutting_down', 'terminated'))
		);

		CREATE INDEX IF NOT EXISTS idx_instances_state ON instances(state);
		CREATE INDEX IF NOT EXISTS idx_instances_started ON instances(started_at);

		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			instance_id TEXT NOT NULL REFERENCES instances(id),
			login       TEXT NOT NULL,
			logout      TEXT,

			UNIQUE(user_id, instance_id, login)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_instance ON sessions(instance_id);

		CREATE TABLE IF NOT EXISTS jobs (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			run_at     INTEGER NOT NULL,
			status     TEXT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('queued', 'running', 'done', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, run_at);

		CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		table  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('instances') WHERE name = 'image_id'`,
			apply:  `ALTER TABLE instances ADD COLUMN image_id TEXT NOT NULL DEFAULT ''`,
			table:  "instances",
			column: "image_id",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// DB exposes the underlying handle for callers that need raw access (status tooling).
func (s *SQLiteStore) DB() *sqlx.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY constraint violation
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// instanceRow mirrors the instances table for sqlx scanning.
type instanceRow struct {
	ID                 string         `db:"id"`
	ProviderInstanceID string         `db:"provider_instance_id"`
	ImageID            string         `db:"image_id"`
	IPAddress          string         `db:"ip_address"`
	StartedAt          string         `db:"started_at"`
	EndedAt            sql.NullString `db:"ended_at"`
	State              string         `db:"state"`
	LaunchedBy         string         `db:"launched_by"`
}

func (r *instanceRow) toInstance() (*Instance, error) {
	startedAt, err := time.Parse(time.RFC3339Nano, r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	endedAt, err := parseTimePtr(r.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	return &Instance{
		ID:                 r.ID,
		ProviderInstanceID: r.ProviderInstanceID,
		ImageID:            r.ImageID,
		IPAddress:          r.IPAddress,
		StartedAt:          startedAt,
		EndedAt:            endedAt,
		State:              InstanceState(r.State),
		LaunchedBy:         r.LaunchedBy,
	}, nil
}

func rowsToInstances(rows []instanceRow) ([]*Instance, error) {
	result := make([]*Instance, 0, len(rows))
	for i := range rows {
		inst, err := rows[i].toInstance()
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, nil
}

const instanceColumns = `id, provider_instance_id, image_id, ip_address, started_at, ended_at, state, launched_by`

// CreateInstance inserts a new instance inside a write transaction that first
// checks no live instance exists.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var live int
	if err := tx.GetContext(ctx, &live, `SELECT COUNT(*) FROM instances WHERE state != 'terminated'`); err != nil {
		return fmt.Errorf("counting live instances: %w", err)
	}
	if live > 0 {
		return ErrInstanceLive
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.ID,
		inst.ProviderInstanceID,
		inst.ImageID,
		inst.IPAddress,
		formatTime(inst.StartedAt),
		formatTimePtr(inst.EndedAt),
		string(inst.State),
		inst.LaunchedBy,
	)
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing instance: %w", err)
	}

	s.logger.Debug("created instance", "id", inst.ID, "launched_by", inst.LaunchedBy)
	return nil
}

// GetInstance retrieves an instance by ID.
// Returns ErrNotFound if the instance doesn't exist.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying instance: %w", err)
	}
	return row.toInstance()
}

// ListLiveInstances returns every instance whose state is not terminated, oldest first.
func (s *SQLiteStore) ListLiveInstances(ctx context.Context) ([]*Instance, error) {
	var rows []instanceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+instanceColumns+` FROM instances
		WHERE state != 'terminated'
		ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying live instances: %w", err)
	}
	return rowsToInstances(rows)
}

// ListInstances returns the most recent instances, newest first.
func (s *SQLiteStore) ListInstances(ctx context.Context, limit int) ([]*Instance, error) {
	var rows []instanceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+instanceColumns+` FROM instances
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying instances: %w", err)
	}
	return rowsToInstances(rows)
}

// explainNoRows turns a zero-row conditional UPDATE into the matching sentinel.
func (s *SQLiteStore) explainNoRows(ctx context.Context, id string) error {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.State == StateTerminated {
		return ErrTerminated
	}
	if inst.ProviderInstanceID != "" {
		return ErrProviderIDAssigned
	}
	return fmt.Errorf("instance %s was not updated", id)
}

func (s *SQLiteStore) execUpdate(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating instance: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return s.explainNoRows(ctx, id)
	}
	return nil
}

// AssignProvider sets provider_instance_id, ip_address and state in one write.
// The provider ID is write-once. A row already marked shutting_down keeps
// that state.
func (s *SQLiteStore) AssignProvider(ctx context.Context, id, providerInstanceID, ipAddress string, state InstanceState) error {
	return s.execUpdate(ctx, id, `
		UPDATE instances
		SET provider_instance_id = ?, ip_address = ?,
			state = CASE WHEN state = 'shutting_down' THEN state ELSE ? END
		WHERE id = ? AND provider_instance_id = '' AND state != 'terminated'
	`, providerInstanceID, ipAddress, string(state), id)
}

// UpdateState sets the state of a non-terminated instance.
func (s *SQLiteStore) UpdateState(ctx context.Context, id string, state InstanceState) error {
	return s.execUpdate(ctx, id, `
		UPDATE instances SET state = ?
		WHERE id = ? AND state != 'terminated'
	`, string(state), id)
}

// UpdateIPAddress sets the IP address of an instance.
func (s *SQLiteStore) UpdateIPAddress(ctx context.Context, id, ipAddress string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE instances SET ip_address = ? WHERE id = ?`, ipAddress, id)
	if err != nil {
		return fmt.Errorf("updating ip address: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEndedAt records when the instance was asked to terminate. State is untouched.
func (s *SQLiteStore) SetEndedAt(ctx context.Context, id string, endedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE instances SET ended_at = ? WHERE id = ?`, formatTime(endedAt), id)
	if err != nil {
		return fmt.Errorf("updating ended_at: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// sessionRow mirrors the sessions table for sqlx scanning.
type sessionRow struct {
	ID         string         `db:"id"`
	UserID     string         `db:"user_id"`
	InstanceID string         `db:"instance_id"`
	Login      string         `db:"login"`
	Logout     sql.NullString `db:"logout"`
}

// CreateSession records a login.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, instance_id, login, logout)
		VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, sess.InstanceID, formatTime(sess.Login), formatTimePtr(sess.Logout))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// EndSessions closes every open session of the user on the instance.
// Returns the number of sessions closed.
func (s *SQLiteStore) EndSessions(ctx context.Context, userID, instanceID string, logout time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET logout = ?
		WHERE user_id = ? AND instance_id = ? AND logout IS NULL
	`, formatTime(logout), userID, instanceID)
	if err != nil {
		return 0, fmt.Errorf("ending sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

// ListOpenSessions returns sessions on the instance that have not logged out.
func (s *SQLiteStore) ListOpenSessions(ctx context.Context, instanceID string) ([]*Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, instance_id, login, logout FROM sessions
		WHERE instance_id = ? AND logout IS NULL
		ORDER BY login ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}

	result := make([]*Session, 0, len(rows))
	for _, r := range rows {
		login, err := time.Parse(time.RFC3339Nano, r.Login)
		if err != nil {
			return nil, fmt.Errorf("parsing login: %w", err)
		}
		result = append(result, &Session{
			ID:         r.ID,
			UserID:     r.UserID,
			InstanceID: r.InstanceID,
			Login:      login,
		})
	}
	return result, nil
}
