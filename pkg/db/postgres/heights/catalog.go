package heights

import (
	"context"
	"fmt"

	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/jackc/pgx/v5"
)

func (d *DB) initCatalog(ctx context.Context) error {
	return d.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS chain_families (
			slug TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			success_threshold BIGINT NOT NULL DEFAULT 0,
			warning_threshold BIGINT NOT NULL DEFAULT -1,
			error_threshold BIGINT NOT NULL DEFAULT -3,
			mainnet_finality BIGINT NOT NULL DEFAULT 6,
			testnet_finality BIGINT NOT NULL DEFAULT 12
		)`, `
		CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			private BOOLEAN NOT NULL DEFAULT FALSE,
			bulk BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`, `
		CREATE TABLE IF NOT EXISTS chains (
			provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
			slug TEXT NOT NULL,
			name TEXT NOT NULL,
			is_testnet BOOLEAN NOT NULL DEFAULT FALSE,
			family_slug TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (provider_id, slug)
		)`)
}

// SeedFamilies inserts families that do not exist yet; operator edits are kept.
func (d *DB) SeedFamilies(ctx context.Context, families []models.ChainFamily) error {
	batch := &pgx.Batch{}
	for _, f := range families {
		batch.Queue(`
			INSERT INTO chain_families (slug, display_name, success_threshold, warning_threshold, error_threshold, mainnet_finality, testnet_finality)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (slug) DO NOTHING`,
			f.Slug, f.DisplayName, f.SuccessThreshold, f.WarningThreshold, f.ErrorThreshold, f.MainnetFinality, f.TestnetFinality)
	}
	return d.GetExecutor(ctx).SendBatch(ctx, batch).Close()
}

func (d *DB) ListFamilies(ctx context.Context) ([]models.ChainFamily, error) {
	rows, err := d.GetExecutor(ctx).Query(ctx, `
		SELECT slug, display_name, success_threshold, warning_threshold, error_threshold, mainnet_finality, testnet_finality
		FROM chain_families ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("query families: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ChainFamily, error) {
		var f models.ChainFamily
		err := row.Scan(&f.Slug, &f.DisplayName, &f.SuccessThreshold, &f.WarningThreshold, &f.ErrorThreshold, &f.MainnetFinality, &f.TestnetFinality)
		return f, err
	})
}

func (d *DB) UpsertProviders(ctx context.Context, providers []models.Provider) error {
	batch := &pgx.Batch{}
	for _, p := range providers {
		batch.Queue(`
			INSERT INTO providers (id, name, private, bulk, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				private = EXCLUDED.private,
				bulk = EXCLUDED.bulk,
				updated_at = NOW()`,
			p.ID, p.Name, p.Private, p.Bulk)
	}
	return d.GetExecutor(ctx).SendBatch(ctx, batch).Close()
}

func (d *DB) ListProviders(ctx context.Context) ([]models.Provider, error) {
	rows, err := d.GetExecutor(ctx).Query(ctx, `SELECT id, name, private, bulk FROM providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Provider, error) {
		var p models.Provider
		err := row.Scan(&p.ID, &p.Name, &p.Private, &p.Bulk)
		return p, err
	})
}

func (d *DB) UpsertChains(ctx context.Context, chains []models.Chain) error {
	batch := &pgx.Batch{}
	for _, c := range chains {
		batch.Queue(`
			INSERT INTO chains (provider_id, slug, name, is_testnet, family_slug, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (provider_id, slug) DO UPDATE SET
				name = EXCLUDED.name,
				is_testnet = EXCLUDED.is_testnet,
				family_slug = EXCLUDED.family_slug,
				updated_at = NOW()`,
			c.ProviderID, c.Slug, c.Name, c.IsTestnet, c.FamilySlug)
	}
	return d.GetExecutor(ctx).SendBatch(ctx, batch).Close()
}

func (d *DB) ListChains(ctx context.Context, providerID string) ([]models.Chain, error) {
	rows, err := d.GetExecutor(ctx).Query(ctx, `
		SELECT provider_id, slug, name, is_testnet, family_slug, updated_at
		FROM chains
		WHERE $1 = '' OR provider_id = $1
		ORDER BY provider_id, slug`, providerID)
	if err != nil {
		return nil, fmt.Errorf("query chains: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Chain, error) {
		var c models.Chain
		err := row.Scan(&c.ProviderID, &c.Slug, &c.Name, &c.IsTestnet, &c.FamilySlug, &c.UpdatedAt)
		return c, err
	})
}
