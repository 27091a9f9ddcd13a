package store

import (
	"context"
	"fmt"

	"tally-sync/internal/models"
)

// Queue is the durable queue contract both backends satisfy.
type Queue interface {
	Add(ctx context.Context, rec models.NewRecord) (int64, error)
	List(ctx context.Context) ([]models.Record, error)
	Get(ctx context.Context, id int64) (models.Record, bool, error)
	Update(ctx context.Context, id int64, p models.Patch) error
	Remove(ctx context.Context, id int64) error
	Close() error
}

var (
	_ Queue = (*SQLite)(nil)
	_ Queue = (*Postgres)(nil)
)

// Open selects a backend by driver name: "sqlite" takes a file path, "postgres" a DSN.
func Open(ctx context.Context, driver, target string) (Queue, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(ctx, target)
	case "postgres":
		pg, err := NewPostgres(ctx, target)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
