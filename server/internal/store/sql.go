package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

var (
	//go:embed schema.sql
	schemaSQL string

	// MySQL cannot key or index unbounded TEXT and has no CREATE INDEX IF NOT EXISTS.
	//go:embed schema_mysql.sql
	mysqlSchemaSQL string
)

// Dialect selects the SQL driver and placeholder style.
type Dialect string

// Supported dialects. The values are the database/sql driver names.
const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
	MySQL    Dialect = "mysql"
)

// SQL stores outcomes and preferences in a relational database.
type SQL struct {
	db        *sql.DB
	dialect   Dialect
	retention time.Duration
	now       func() time.Time
	newID     func() string
}

// NewSQL wraps an open database. It does not apply the schema; call Migrate.
func NewSQL(db *sql.DB, dialect Dialect, retention time.Duration) *SQL {
	return &SQL{
		db:        db,
		dialect:   dialect,
		retention: retention,
		now:       time.Now,
		newID:     newID,
	}
}

// OpenPostgres connects to PostgreSQL, verifies the connection and applies
// the schema.
func OpenPostgres(ctx context.Context, dsn string, maxConns int, retention time.Duration) (*SQL, error) {
	db, err := sql.Open(string(Postgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	return finishOpen(ctx, db, Postgres, retention)
}

// OpenMySQL connects to MySQL or MariaDB, verifies the connection and applies
// the schema. Timestamps are always parsed into time.Time in UTC, whatever
// the DSN says.
func OpenMySQL(ctx context.Context, dsn string, maxConns int, retention time.Duration) (*SQL, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db := sql.OpenDB(connector)
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	return finishOpen(ctx, db, MySQL, retention)
}

// OpenSQLite creates or opens the database file at path, applies pragmas and
// the schema.
func OpenSQLite(ctx context.Context, path string, retention time.Duration) (*SQL, error) {
	db, err := sql.Open(string(SQLite), path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; more connections only produce SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	return finishOpen(ctx, db, SQLite, retention)
}

func finishOpen(ctx context.Context, db *sql.DB, d Dialect, retention time.Duration) (*SQL, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	s := NewSQL(db, d, retention)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables and indexes if they do not exist. Statements
// are sent one at a time; not every driver accepts a batch.
func (s *SQL) Migrate(ctx context.Context) error {
	schema := schemaSQL
	if s.dialect == MySQL {
		schema = mysqlSchemaSQL
	}
	for _, stmt := range splitStatements(schema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func splitStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Close closes the database.
func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Append inserts o as a new nudge row.
func (s *SQL) Append(ctx context.Context, o nudge.Outcome) error {
	const q = `INSERT INTO nudges
		(id, caregiver_key, channel, title, body, triggered_by, article_key, delivered, status, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	j := o.Job
	_, err := s.db.ExecContext(ctx, s.rebind(q),
		s.newID(), j.PreferenceKey, string(j.Channel), j.Title, j.Body, j.TriggeredBy, j.ArticleKey,
		o.Delivered, string(o.Status), o.Details, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert nudge: %w", err)
	}
	return nil
}

// List returns matching nudges newest first. Rows created in the same instant
// are ordered by their time-ordered id.
func (s *SQL) List(ctx context.Context, q Query) ([]Record, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT id, caregiver_key, channel, title, body, triggered_by, article_key,
		delivered, status, details, created_at FROM nudges`)
	if q.CaregiverKey != "" {
		b.WriteString(` WHERE caregiver_key = ?`)
		args = append(args, q.CaregiverKey)
	}
	b.WriteString(` ORDER BY created_at DESC, id DESC`)
	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("list nudges: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			channel string
			status  string
		)
		if err := rows.Scan(
			&r.ID, &r.CaregiverKey, &channel,
			&r.Outcome.Job.Title, &r.Outcome.Job.Body, &r.Outcome.Job.TriggeredBy, &r.Outcome.Job.ArticleKey,
			&r.Outcome.Delivered, &status, &r.Outcome.Details, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan nudge: %w", err)
		}
		r.Outcome.Job.PreferenceKey = r.CaregiverKey
		r.Outcome.Job.Channel = nudge.Channel(channel)
		r.Outcome.Status = nudge.Status(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nudges: %w", err)
	}
	return out, nil
}

// Preference loads a caregiver's opt-in flags.
func (s *SQL) Preference(ctx context.Context, key string) (*nudge.Preference, error) {
	const q = `SELECT caregiver_key, opt_in_email, opt_in_push, opt_in_chat
		FROM preferences WHERE caregiver_key = ?`
	var p nudge.Preference
	err := s.db.QueryRowContext(ctx, s.rebind(q), key).
		Scan(&p.CaregiverKey, &p.OptInEmail, &p.OptInPush, &p.OptInChat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &nudge.PreferenceNotFoundError{CaregiverKey: key}
	}
	if err != nil {
		return nil, fmt.Errorf("load preference %q: %w", key, err)
	}
	return &p, nil
}

// PutPreference inserts or updates p.
func (s *SQL) PutPreference(ctx context.Context, p nudge.Preference) error {
	if strings.TrimSpace(p.CaregiverKey) == "" {
		return &nudge.ValidationError{Field: "caregiver_key", Reason: "must not be empty"}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(s.upsertPreferenceSQL()),
		p.CaregiverKey, p.OptInEmail, p.OptInPush, p.OptInChat, s.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert preference %q: %w", p.CaregiverKey, err)
	}
	return nil
}

func (s *SQL) upsertPreferenceSQL() string {
	const insert = `INSERT INTO preferences (caregiver_key, opt_in_email, opt_in_push, opt_in_chat, updated_at)
		VALUES (?, ?, ?, ?, ?)`
	if s.dialect == MySQL {
		return insert + `
		ON DUPLICATE KEY UPDATE
			opt_in_email = VALUES(opt_in_email),
			opt_in_push = VALUES(opt_in_push),
			opt_in_chat = VALUES(opt_in_chat),
			updated_at = VALUES(updated_at)`
	}
	return insert + `
		ON CONFLICT (caregiver_key) DO UPDATE SET
			opt_in_email = excluded.opt_in_email,
			opt_in_push = excluded.opt_in_push,
			opt_in_chat = excluded.opt_in_chat,
			updated_at = excluded.updated_at`
}

// Prune deletes nudges created before cutoff and returns how many were removed.
func (s *SQL) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM nudges WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune nudges: %w", err)
	}
	return res.RowsAffected()
}

// Run prunes rows older than the retention window every half window
// (minimum 1 second) until ctx is cancelled. Without retention it returns
// immediately.
func (s *SQL) Run(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	runEvery(ctx, s.retention/2, func(now time.Time) {
		n, err := s.Prune(ctx, now.Add(-s.retention))
		if err != nil {
			slog.Warn("store: prune failed", "err", err)
			return
		}
		if n > 0 {
			slog.Debug("store: pruned expired outcomes", "count", n)
		}
	})
}

// rebind converts ? placeholders to $1..$n for PostgreSQL.
func (s *SQL) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
