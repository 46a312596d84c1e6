// Package heights is the PostgreSQL implementation of db.Store.
package heights

import (
	"context"
	"fmt"

	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/db/postgres"
	"go.uber.org/zap"
)

// DB is the chain heights database.
type DB struct {
	postgres.Client
	Name string
}

// NewWithPoolConfig connects, creates the schema and seeds the default families.
func NewWithPoolConfig(ctx context.Context, logger *zap.Logger, name string, poolConfig postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", poolConfig.Component),
	), name, poolConfig)
	if err != nil {
		return nil, err
	}

	heightsDB := &DB{Client: client, Name: name}
	if err := heightsDB.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return heightsDB, nil
}

// Close terminates the underlying PostgreSQL connection
func (d *DB) Close() error {
	d.Pool.Close()
	return nil
}

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.Pool.Ping(ctx)
}

// InitializeDB ensures the required tables exist.
func (d *DB) InitializeDB(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"catalog", d.initCatalog},
		{"check_runs", d.initCheckRuns},
		{"validation_runs", d.initValidation},
	}
	for _, s := range steps {
		d.Logger.Debug("Initialize tables", zap.String("database", d.Name), zap.String("group", s.name))
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("init %s tables: %w", s.name, err)
		}
	}
	if err := d.SeedFamilies(ctx, models.DefaultFamilies()); err != nil {
		return fmt.Errorf("seed families: %w", err)
	}
	d.Logger.Info("Database initialized", zap.String("database", d.Name))
	return nil
}

func (d *DB) execAll(ctx context.Context, queries ...string) error {
	for _, q := range queries {
		if err := d.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func notFound(err error, what string, args ...any) error {
	if postgres.IsNoRows(err) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(what, args...), db.ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", fmt.Sprintf(what, args...), err)
}

var _ db.Store = (*DB)(nil)
