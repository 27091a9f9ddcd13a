package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"tally-sync/internal/models"
)

const sqliteTable = "queue"

// SQLite is the local durable queue. The database file is shared by the interactive API and
// the background worker; every call reads through to disk so both observe the same state.
type SQLite struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// OpenSQLite opens (creating if needed) the queue database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr("open", fmt.Errorf("create data directory: %w", err))
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	// SQLite has one writer. Other processes are handled by busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, storageErr("open", fmt.Errorf("%s: %w", pragma, err))
		}
	}

	s := &SQLite{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}
	err = runMigrations(ctx, "sqlite", func(ctx context.Context, stmt string) error {
		_, err := db.ExecContext(ctx, stmt)
		return err
	})
	if err != nil {
		db.Close()
		return nil, storageErr("migrate", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Add inserts a pending record and returns its store-assigned id.
func (s *SQLite) Add(ctx context.Context, rec models.NewRecord) (int64, error) {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return 0, storageErr("add", err)
	}
	now := time.Now().UTC().UnixMilli()

	q := s.sb.
		Insert(sqliteTable).
		Columns("payload", "credential", "status", "created_at", "updated_at").
		Values(
			string(payload),
			rec.Credential,
			models.StatusPending,
			// created_at never goes backwards relative to earlier inserts.
			sq.Expr("MAX(?, COALESCE((SELECT MAX(created_at) FROM "+sqliteTable+"), 0))", now),
			now,
		)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, storageErr("add", fmt.Errorf("build insert: %w", err))
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, storageErr("add", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("add", err)
	}
	return id, nil
}

// List returns every record ordered by id.
func (s *SQLite) List(ctx context.Context) ([]models.Record, error) {
	sqlStr, args, err := s.selectRecords().OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, storageErr("list", fmt.Errorf("build select: %w", err))
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, storageErr("list", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return out, nil
}

// Get fetches one record. The bool is false when the id does not exist.
func (s *SQLite) Get(ctx context.Context, id int64) (models.Record, bool, error) {
	sqlStr, args, err := s.selectRecords().Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return models.Record{}, false, storageErr("get", fmt.Errorf("build select: %w", err))
	}
	rec, err := scanSQLite(s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, false, nil
	}
	if err != nil {
		return models.Record{}, false, storageErr("get", err)
	}
	return rec, true, nil
}

// Update merges the patch into the record. A missing record is not an error.
func (s *SQLite) Update(ctx context.Context, id int64, p models.Patch) error {
	set, err := patchColumns(p, func(payload []byte) any { return string(payload) })
	if err != nil {
		return storageErr("update", err)
	}
	if len(set) == 0 {
		return nil
	}
	set["updated_at"] = time.Now().UTC().UnixMilli()

	sqlStr, args, err := s.sb.Update(sqliteTable).SetMap(set).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return storageErr("update", fmt.Errorf("build update: %w", err))
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return storageErr("update", err)
	}
	return nil
}

// Remove deletes the record. Removing an absent id is a no-op.
func (s *SQLite) Remove(ctx context.Context, id int64) error {
	sqlStr, args, err := s.sb.Delete(sqliteTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return storageErr("remove", fmt.Errorf("build delete: %w", err))
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return storageErr("remove", err)
	}
	return nil
}

func (s *SQLite) selectRecords() sq.SelectBuilder {
	return s.sb.
		Select("id", "payload", "credential", "status", "last_status", "last_error", "attempts", "created_at", "updated_at").
		From(sqliteTable)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (models.Record, error) {
	var (
		rec       models.Record
		payload   string
		createdMs int64
		updatedMs int64
	)
	if err := row.Scan(&rec.ID, &payload, &rec.Credential, &rec.Status, &rec.LastStatus, &rec.LastError, &rec.Attempts, &createdMs, &updatedMs); err != nil {
		return models.Record{}, err
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return models.Record{}, fmt.Errorf("unmarshal payload of record %d: %w", rec.ID, err)
	}
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return rec, nil
}
