package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tally-sync/internal/models"
)

const postgresTable = "tally_queue"

// Postgres keeps the queue in a Postgres database reachable from both contexts.
type Postgres struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, storageErr("open", fmt.Errorf("parse postgres dsn: %w", err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, storageErr("open", fmt.Errorf("connect postgres: %w", err))
	}
	return &Postgres{pool: pool, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	err := runMigrations(ctx, "postgres", func(ctx context.Context, stmt string) error {
		_, err := s.pool.Exec(ctx, stmt)
		return err
	})
	return storageErr("migrate", err)
}

// Add inserts a pending record and returns its store-assigned id.
func (s *Postgres) Add(ctx context.Context, rec models.NewRecord) (int64, error) {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return 0, storageErr("add", err)
	}
	now := time.Now().UTC()

	q := s.sb.
		Insert(postgresTable).
		Columns("payload", "credential", "status", "created_at", "updated_at").
		Values(
			payload,
			rec.Credential,
			models.StatusPending,
			sq.Expr("GREATEST(?::timestamptz, COALESCE((SELECT MAX(created_at) FROM "+postgresTable+"), ?::timestamptz))", now, now),
			now,
		).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, storageErr("add", fmt.Errorf("build insert: %w", err))
	}

	var id int64
	if err := s.pool.QueryRow(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, storageErr("add", err)
	}
	return id, nil
}

// List returns every record ordered by id.
func (s *Postgres) List(ctx context.Context) ([]models.Record, error) {
	sqlStr, args, err := s.selectRecords().OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, storageErr("list", fmt.Errorf("build select: %w", err))
	}
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanPostgres(rows)
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
func (s *Postgres) Get(ctx context.Context, id int64) (models.Record, bool, error) {
	sqlStr, args, err := s.selectRecords().Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return models.Record{}, false, storageErr("get", fmt.Errorf("build select: %w", err))
	}
	rec, err := scanPostgres(s.pool.QueryRow(ctx, sqlStr, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, false, nil
	}
	if err != nil {
		return models.Record{}, false, storageErr("get", err)
	}
	return rec, true, nil
}

// Update merges the patch into the record. A missing record is not an error.
func (s *Postgres) Update(ctx context.Context, id int64, p models.Patch) error {
	set, err := patchColumns(p, func(payload []byte) any { return payload })
	if err != nil {
		return storageErr("update", err)
	}
	if len(set) == 0 {
		return nil
	}
	set["updated_at"] = sq.Expr("NOW()")

	sqlStr, args, err := s.sb.Update(postgresTable).SetMap(set).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return storageErr("update", fmt.Errorf("build update: %w", err))
	}
	if _, err := s.pool.Exec(ctx, sqlStr, args...); err != nil {
		return storageErr("update", err)
	}
	return nil
}

// Remove deletes the record. Removing an absent id is a no-op.
func (s *Postgres) Remove(ctx context.Context, id int64) error {
	sqlStr, args, err := s.sb.Delete(postgresTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return storageErr("remove", fmt.Errorf("build delete: %w", err))
	}
	if _, err := s.pool.Exec(ctx, sqlStr, args...); err != nil {
		return storageErr("remove", err)
	}
	return nil
}

func (s *Postgres) selectRecords() sq.SelectBuilder {
	return s.sb.
		Select("id", "payload", "credential", "status", "last_status", "last_error", "attempts", "created_at", "updated_at").
		From(postgresTable)
}

func scanPostgres(row pgx.Row) (models.Record, error) {
	var (
		rec     models.Record
		payload []byte
	)
	if err := row.Scan(&rec.ID, &payload, &rec.Credential, &rec.Status, &rec.LastStatus, &rec.LastError, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return models.Record{}, err
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return models.Record{}, fmt.Errorf("unmarshal payload of record %d: %w", rec.ID, err)
	}
	return rec, nil
}
