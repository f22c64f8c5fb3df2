package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
	id             TEXT PRIMARY KEY,
	local_user_id  TEXT NOT NULL,
	remote_user_id TEXT NOT NULL,
	kind           TEXT NOT NULL,
	role           TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	tier           INTEGER NOT NULL DEFAULT 0,
	diagnostic     TEXT NOT NULL DEFAULT '',
	started_at     INTEGER NOT NULL,
	connected_at   INTEGER,
	ended_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_records_local_ended
	ON call_records (local_user_id, ended_at DESC);
`

// CallRecordRepository keeps call history in a SQLite file.
type CallRecordRepository struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string) (*CallRecordRepository, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_records: %w", err)
	}
	return &CallRecordRepository{db: db}, nil
}

func (r *CallRecordRepository) Close() error {
	return r.db.Close()
}

func (r *CallRecordRepository) Save(ctx context.Context, rec domain.CallRecord) error {
	var connected sql.NullInt64
	if !rec.ConnectedAt.IsZero() {
		connected = sql.NullInt64{Int64: rec.ConnectedAt.UnixMilli(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO call_records
			(id, local_user_id, remote_user_id, kind, role, outcome, attempts, tier, diagnostic, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.LocalUserID.String(), rec.RemoteUserID.String(),
		string(rec.Kind), string(rec.Role), string(rec.Outcome),
		rec.Attempts, rec.Tier, rec.Diagnostic,
		rec.StartedAt.UnixMilli(), connected, rec.EndedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

const selectRecord = `
	SELECT id, local_user_id, remote_user_id, kind, role, outcome, attempts, tier, diagnostic,
	       started_at, connected_at, ended_at
	FROM call_records`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.CallRecord, error) {
	var (
		rec                 domain.CallRecord
		id, localID, remote string
		kind, role, outcome string
		started, ended      int64
		connected           sql.NullInt64
	)
	if err := row.Scan(&id, &localID, &remote, &kind, &role, &outcome,
		&rec.Attempts, &rec.Tier, &rec.Diagnostic, &started, &connected, &ended); err != nil {
		return rec, err
	}
	rec.ID = domain.RecordID(id)
	rec.LocalUserID = domain.UserID(localID)
	rec.RemoteUserID = domain.UserID(remote)
	rec.Kind = domain.CallKind(kind)
	rec.Role = domain.Role(role)
	rec.Outcome = domain.Outcome(outcome)
	rec.StartedAt = time.UnixMilli(started).UTC()
	rec.EndedAt = time.UnixMilli(ended).UTC()
	if connected.Valid {
		rec.ConnectedAt = time.UnixMilli(connected.Int64).UTC()
	}
	return rec, nil
}

func (r *CallRecordRepository) Get(ctx context.Context, local domain.UserID, id domain.RecordID) (domain.CallRecord, error) {
	row := r.db.QueryRowContext(ctx, selectRecord+`
		WHERE id = ? AND local_user_id = ?`, id.String(), local.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, domain.ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("get call record: %w", err)
	}
	return rec, nil
}

func (r *CallRecordRepository) List(ctx context.Context, local domain.UserID, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, selectRecord+`
		WHERE local_user_id = ?
		ORDER BY ended_at DESC
		LIMIT ?`, local.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	var out []domain.CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
