package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DatabaseFile is the tracker's file name inside the state directory.
const DatabaseFile = "seen.sqlite"

// SQLTracker persists archived messages in SQLite so later runs can skip
// them and the rehome and report commands can find them again.
type SQLTracker struct {
	*MemoryTracker
	db      *sqlx.DB
	persist bool
	runID   string
}

type recordRow struct {
	Folder       string        `db:"folder"`
	UIDValidity  int64         `db:"uidvalidity"`
	UID          int64         `db:"uid"`
	MessageID    string        `db:"message_id"`
	Size         int64         `db:"size"`
	InternalDate string        `db:"internal_date"`
	InternalAt   int64         `db:"internal_at"`
	EnvFrom      string        `db:"env_from"`
	EnvDate      string        `db:"env_date"`
	Hash         string        `db:"hash"`
	MailFile     string        `db:"mailfile"`
	Year         sql.NullInt64 `db:"year"`
	RunID        string        `db:"run_id"`
	ArchivedAt   int64         `db:"archived_at"`
}

const recordColumns = `folder, uidvalidity, uid, message_id, size, internal_date, internal_at,
	env_from, env_date, hash, mailfile, year, run_id, archived_at`

// NewSQLTracker opens (or creates) the tracker database in stateDir. With
// persist false nothing is written, which is what dry runs use.
func NewSQLTracker(stateDir string, persist bool) (*SQLTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return OpenSQLTracker(filepath.Join(stateDir, DatabaseFile), persist)
}

// OpenSQLTracker opens the tracker database at dbPath. ":memory:" works for
// tests.
func OpenSQLTracker(dbPath string, persist bool) (*SQLTracker, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	t := &SQLTracker{
		MemoryTracker: NewMemoryTracker(),
		db:            db,
		persist:       persist,
		runID:         uuid.NewString(),
	}
	if err := t.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := t.load(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

// RunID identifies this process's archive run in stored records.
func (t *SQLTracker) RunID() string {
	return t.runID
}

func (t *SQLTracker) runMigrations() error {
	current := 0

	var tables int
	err := t.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tables > 0 {
		if err := t.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := t.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (t *SQLTracker) load() error {
	rows, err := t.db.Queryx("SELECT folder, uidvalidity, uid, message_id FROM seen_messages")
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	defer rows.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	for rows.Next() {
		var (
			key       Key
			messageID string
		)
		if err := rows.Scan(&key.Folder, &key.UIDValidity, &key.UID, &messageID); err != nil {
			return fmt.Errorf("scan state row: %w", err)
		}
		t.seen[key] = messageID
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	return nil
}

func (t *SQLTracker) MarkSeen(rec Record) error {
	if !t.add(rec) || !t.persist {
		return nil
	}

	if rec.RunID == "" {
		rec.RunID = t.runID
	}
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now()
	}
	row := toRow(rec)

	const query = `INSERT OR IGNORE INTO seen_messages (` + recordColumns + `) VALUES (
		:folder, :uidvalidity, :uid, :message_id, :size, :internal_date, :internal_at,
		:env_from, :env_date, :hash, :mailfile, :year, :run_id, :archived_at)`
	if _, err := t.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("insert seen message %s/%d: %w", rec.Folder, rec.UID, err)
	}
	return nil
}

// Records returns every stored record, ordered by folder and UID.
func (t *SQLTracker) Records(ctx context.Context) ([]Record, error) {
	var rows []recordRow
	err := t.db.SelectContext(ctx, &rows, "SELECT "+recordColumns+" FROM seen_messages ORDER BY folder, uidvalidity, uid")
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	return fromRows(rows), nil
}

// Unhomed returns the records of mailFile that have not been sorted into a
// year yet.
func (t *SQLTracker) Unhomed(ctx context.Context, mailFile string) ([]Record, error) {
	var rows []recordRow
	err := t.db.SelectContext(ctx, &rows,
		"SELECT "+recordColumns+" FROM seen_messages WHERE year IS NULL AND mailfile = ? ORDER BY uid", mailFile)
	if err != nil {
		return nil, fmt.Errorf("select unhomed records: %w", err)
	}
	return fromRows(rows), nil
}

// UnhomedFiles lists the distinct mail files that still hold unsorted
// messages.
func (t *SQLTracker) UnhomedFiles(ctx context.Context) ([]string, error) {
	var files []string
	err := t.db.SelectContext(ctx, &files,
		"SELECT DISTINCT mailfile FROM seen_messages WHERE year IS NULL AND mailfile != '' ORDER BY mailfile")
	if err != nil {
		return nil, fmt.Errorf("select unhomed files: %w", err)
	}
	return files, nil
}

// Move relocates every record with Hash from FromFile to MailFile.
type Move struct {
	Hash     string
	FromFile string
	MailFile string
	Year     int
}

// Rehome applies a batch of moves in one transaction.
func (t *SQLTracker) Rehome(ctx context.Context, moves []Move) error {
	if len(moves) == 0 || !t.persist {
		return nil
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, "UPDATE seen_messages SET mailfile = ?, year = ? WHERE hash = ? AND mailfile = ?")
	if err != nil {
		return fmt.Errorf("prepare rehome statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range moves {
		if _, err := stmt.ExecContext(ctx, m.MailFile, m.Year, m.Hash, m.FromFile); err != nil {
			return fmt.Errorf("rehome %s: %w", m.Hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rehome: %w", err)
	}
	return nil
}

// Close releases the database.
func (t *SQLTracker) Close() error {
	return t.db.Close()
}

func toRow(rec Record) recordRow {
	row := recordRow{
		Folder:       rec.Folder,
		UIDValidity:  int64(rec.UIDValidity),
		UID:          int64(rec.UID),
		MessageID:    rec.MessageID,
		Size:         rec.Size,
		InternalDate: rec.InternalDate,
		EnvFrom:      rec.EnvFrom,
		EnvDate:      rec.EnvDate,
		Hash:         rec.Hash,
		MailFile:     rec.MailFile,
		RunID:        rec.RunID,
		ArchivedAt:   rec.ArchivedAt.Unix(),
	}
	if !rec.InternalAt.IsZero() {
		row.InternalAt = rec.InternalAt.Unix()
	}
	if rec.Year != 0 {
		row.Year = sql.NullInt64{Int64: int64(rec.Year), Valid: true}
	}
	return row
}

func fromRows(rows []recordRow) []Record {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := Record{
			Key: Key{
				Folder:      row.Folder,
				UIDValidity: uint32(row.UIDValidity),
				UID:         uint32(row.UID),
			},
			MessageID:    row.MessageID,
			Size:         row.Size,
			InternalDate: row.InternalDate,
			EnvFrom:      row.EnvFrom,
			EnvDate:      row.EnvDate,
			Hash:         row.Hash,
			MailFile:     row.MailFile,
			RunID:        row.RunID,
			ArchivedAt:   time.Unix(row.ArchivedAt, 0).UTC(),
		}
		if row.InternalAt != 0 {
			rec.InternalAt = time.Unix(row.InternalAt, 0).UTC()
		}
		if row.Year.Valid {
			rec.Year = int(row.Year.Int64)
		}
		out = append(out, rec)
	}
	return out
}
