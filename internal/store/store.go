package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/punchsync/internal/punch"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added index on punch_events.device_id for device detachment
// 2 - Attendance clock_in/clock_out stored as UTC instants instead of wall time
const currentSchemaVersion = 2

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalid marks a write rejected by validation.
var ErrInvalid = errors.New("invalid")

// Store provides durable storage for punchsync.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//   - Immediate transactions, so read-modify-write cycles take the write
//     lock up front instead of failing on upgrade
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate"
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// IsBusy reports whether err is a transient SQLite lock conflict worth retrying.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_punch_events_device
		ON punch_events(device_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 rewrites zoneless attendance wall times as UTC instants, read
// in the organization zone. Wall times in a fall-back hour resolve to the
// first occurrence, which is the best the old encoding allows.
func migrateToV2(db *sql.DB) error {
	rows, err := db.Query(`
		SELECT a.id, a.clock_in, a.clock_out, o.timezone
		FROM attendance a
		JOIN employees e ON e.id = a.employee_id
		JOIN organizations o ON o.id = e.org_id
		WHERE length(a.clock_in) = ? OR length(a.clock_out) = ?
	`, len(legacyWallLayout), len(legacyWallLayout))
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}

	type legacyRow struct {
		id      int64
		in, out sql.NullString
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		var tz string
		if err := rows.Scan(&r.id, &r.in, &r.out, &tz); err != nil {
			rows.Close()
			return fmt.Errorf("migrate to v2: %w", err)
		}
		loc := punch.LoadLocation(tz)
		if r.in, err = legacyToInstant(r.in, loc); err != nil {
			rows.Close()
			return fmt.Errorf("migrate to v2: attendance %d clock_in: %w", r.id, err)
		}
		if r.out, err = legacyToInstant(r.out, loc); err != nil {
			rows.Close()
			return fmt.Errorf("migrate to v2: attendance %d clock_out: %w", r.id, err)
		}
		legacy = append(legacy, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}

	for _, r := range legacy {
		if _, err := db.Exec(`UPDATE attendance SET clock_in = ?, clock_out = ? WHERE id = ?`, r.in, r.out, r.id); err != nil {
			return fmt.Errorf("migrate to v2: attendance %d: %w", r.id, err)
		}
	}
	return nil
}

func legacyToInstant(ns sql.NullString, loc *time.Location) (sql.NullString, error) {
	if !ns.Valid || len(ns.String) != len(legacyWallLayout) {
		return ns, nil
	}
	t, err := time.ParseInLocation(legacyWallLayout, ns.String, loc)
	if err != nil {
		return ns, err
	}
	return formatNullTime(&t), nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// Time encoding. Instants are UTC with fixed-width nanoseconds so that
// string order in SQL matches time order. legacyWallLayout is the zoneless
// attendance encoding of schema version 1.
const (
	instantLayout    = "2006-01-02T15:04:05.000000000Z07:00"
	legacyWallLayout = "2006-01-02T15:04:05"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(instantLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseLocalTime reads an instant and presents it in loc.
func parseLocalTime(ns sql.NullString, loc *time.Location) (*time.Time, error) {
	t, err := parseNullTime(ns)
	if err != nil || t == nil {
		return t, err
	}
	local := t.In(loc)
	return &local, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
