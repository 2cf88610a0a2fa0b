package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradelab/go-listing-backfill/internal/models"
)

var _ Store = (*PostgresStorage)(nil)

// PostgresStorage implements Store on PostgreSQL via pgx. Batch inserts run
// in one transaction each; duplicates are absorbed by ON CONFLICT DO NOTHING
// rather than raising 23505.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStorage connects to Postgres and verifies the connection.
func NewPostgresStorage(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStorage{pool: pool, logger: logger}, nil
}

// Initialize creates the schema. Idempotent.
func (p *PostgresStorage) Initialize(ctx context.Context) error {
	p.logger.Info("initializing Postgres storage")

	statements := []struct {
		table string
		query string
	}{
		{"symbols", `
		CREATE TABLE IF NOT EXISTS symbols (
			id BIGSERIAL PRIMARY KEY,
			symbol TEXT NOT NULL UNIQUE,
			base_asset TEXT NOT NULL,
			quote_asset TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
		{"listing_analysis", `
		CREATE TABLE IF NOT EXISTS listing_analysis (
			id BIGSERIAL PRIMARY KEY,
			symbol_id BIGINT NOT NULL UNIQUE REFERENCES symbols(id),
			listing_date TIMESTAMPTZ,
			data_status TEXT NOT NULL CHECK (data_status IN ('pending', 'analyzed', 'no_data', 'error')),
			error_message TEXT,
			analysis_date TIMESTAMPTZ NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`},
		{"historical_klines", `
		CREATE TABLE IF NOT EXISTS historical_klines (
			id BIGSERIAL PRIMARY KEY,
			symbol_id BIGINT NOT NULL REFERENCES symbols(id),
			open_time TIMESTAMPTZ NOT NULL,
			close_time TIMESTAMPTZ NOT NULL,
			open_price NUMERIC NOT NULL,
			high_price NUMERIC NOT NULL,
			low_price NUMERIC NOT NULL,
			close_price NUMERIC NOT NULL,
			volume NUMERIC NOT NULL,
			quote_asset_volume NUMERIC NOT NULL,
			number_of_trades BIGINT NOT NULL,
			taker_buy_base_asset_volume NUMERIC NOT NULL,
			taker_buy_quote_asset_volume NUMERIC NOT NULL,
			UNIQUE (symbol_id, open_time)
		)`},
		{"historical_klines", `
		CREATE INDEX IF NOT EXISTS idx_klines_symbol_open_time
			ON historical_klines (symbol_id, open_time)`},
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt.query); err != nil {
			return NewStorageError("initialize", stmt.table, err)
		}
	}
	return nil
}

func (p *PostgresStorage) UpsertSymbol(ctx context.Context, sym *models.Symbol) error {
	query := `
		INSERT INTO symbols (symbol, base_asset, quote_asset, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	err := p.pool.QueryRow(ctx, query,
		sym.Symbol, sym.BaseAsset, sym.QuoteAsset, string(sym.Status),
	).Scan(&sym.ID, &sym.CreatedAt, &sym.UpdatedAt)
	if err != nil {
		return NewInsertError("symbols", err)
	}
	return nil
}

func (p *PostgresStorage) GetSymbol(ctx context.Context, symbol string) (*models.Symbol, error) {
	query := `
		SELECT id, symbol, base_asset, quote_asset, status, created_at, updated_at
		FROM symbols WHERE symbol = $1`

	var sym models.Symbol
	var status string
	err := p.pool.QueryRow(ctx, query, symbol).Scan(
		&sym.ID, &sym.Symbol, &sym.BaseAsset, &sym.QuoteAsset,
		&status, &sym.CreatedAt, &sym.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewQueryError("symbols", err)
	}
	sym.Status = models.SymbolStatus(status)
	return &sym, nil
}

func (p *PostgresStorage) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	query := `
		SELECT id, symbol, base_asset, quote_asset, status, created_at, updated_at
		FROM symbols ORDER BY symbol`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, NewQueryError("symbols", err)
	}
	defer rows.Close()

	var out []models.Symbol
	for rows.Next() {
		var sym models.Symbol
		var status string
		if err := rows.Scan(&sym.ID, &sym.Symbol, &sym.BaseAsset, &sym.QuoteAsset,
			&status, &sym.CreatedAt, &sym.UpdatedAt); err != nil {
			return nil, NewQueryError("symbols", err)
		}
		sym.Status = models.SymbolStatus(status)
		out = append(out, sym)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("symbols", err)
	}
	return out, nil
}

func (p *PostgresStorage) UpsertListing(ctx context.Context, record *models.ListingRecord) error {
	query := `
		INSERT INTO listing_analysis
			(symbol_id, listing_date, data_status, error_message, analysis_date, retry_count)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (symbol_id) DO UPDATE SET
			listing_date = EXCLUDED.listing_date,
			data_status = EXCLUDED.data_status,
			error_message = EXCLUDED.error_message,
			analysis_date = EXCLUDED.analysis_date,
			retry_count = EXCLUDED.retry_count
		RETURNING id`

	err := p.pool.QueryRow(ctx, query,
		record.SymbolID, record.ListingTime, string(record.Status),
		record.ErrorMessage, record.AnalyzedAt, record.RetryCount,
	).Scan(&record.ID)
	if err != nil {
		return NewInsertError("listing_analysis", err)
	}
	return nil
}

func (p *PostgresStorage) GetListing(ctx context.Context, symbolID int64) (*models.ListingRecord, error) {
	query := `
		SELECT id, symbol_id, listing_date, COALESCE(error_message, ''), data_status, analysis_date, retry_count
		FROM listing_analysis WHERE symbol_id = $1`

	var record models.ListingRecord
	var status string
	err := p.pool.QueryRow(ctx, query, symbolID).Scan(
		&record.ID, &record.SymbolID, &record.ListingTime,
		&record.ErrorMessage, &status, &record.AnalyzedAt, &record.RetryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewQueryError("listing_analysis", err)
	}
	record.Status = models.ListingStatus(status)
	return &record, nil
}

func (p *PostgresStorage) InsertKlines(ctx context.Context, klines []models.Kline) (int, error) {
	if len(klines) == 0 {
		return 0, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, NewInsertError("historical_klines", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO historical_klines
			(symbol_id, open_time, close_time, open_price, high_price, low_price,
			 close_price, volume, quote_asset_volume, number_of_trades,
			 taker_buy_base_asset_volume, taker_buy_quote_asset_volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol_id, open_time) DO NOTHING`

	inserted := 0
	for _, k := range klines {
		tag, err := tx.Exec(ctx, query,
			k.SymbolID, k.OpenTime, k.CloseTime,
			k.Open, k.High, k.Low, k.Close,
			k.Volume, k.QuoteVolume, k.TradeCount,
			k.TakerBuyBase, k.TakerBuyQuote)
		if err != nil {
			return 0, NewInsertError("historical_klines", err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, NewInsertError("historical_klines", err)
	}
	return inserted, nil
}

func (p *PostgresStorage) CountKlines(ctx context.Context, symbolID int64) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM historical_klines WHERE symbol_id = $1", symbolID,
	).Scan(&count)
	if err != nil {
		return 0, NewQueryError("historical_klines", err)
	}
	return count, nil
}

func (p *PostgresStorage) QueryKlines(ctx context.Context, q KlineQuery) ([]models.Kline, error) {
	query := `
		SELECT symbol_id, open_time, close_time,
		       open_price::TEXT, high_price::TEXT, low_price::TEXT, close_price::TEXT,
		       volume::TEXT, quote_asset_volume::TEXT, number_of_trades,
		       taker_buy_base_asset_volume::TEXT, taker_buy_quote_asset_volume::TEXT
		FROM historical_klines
		WHERE symbol_id = $1`
	args := []any{q.SymbolID}

	if !q.Start.IsZero() {
		args = append(args, q.Start)
		query += fmt.Sprintf(" AND open_time >= $%d", len(args))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		query += fmt.Sprintf(" AND open_time <= $%d", len(args))
	}
	query += " ORDER BY open_time"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("historical_klines", err)
	}
	defer rows.Close()

	var out []models.Kline
	for rows.Next() {
		var k models.Kline
		if err := rows.Scan(&k.SymbolID, &k.OpenTime, &k.CloseTime,
			&k.Open, &k.High, &k.Low, &k.Close,
			&k.Volume, &k.QuoteVolume, &k.TradeCount,
			&k.TakerBuyBase, &k.TakerBuyQuote); err != nil {
			return nil, NewQueryError("historical_klines", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("historical_klines", err)
	}
	return out, nil
}

func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return NewStorageError("health_check", "", err)
	}
	return nil
}

func (p *PostgresStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM symbols", &stats.Symbols},
		{"SELECT COUNT(*) FROM listing_analysis", &stats.Listings},
		{"SELECT COUNT(*) FROM historical_klines", &stats.Klines},
	}
	for _, q := range queries {
		if err := p.pool.QueryRow(ctx, q.query).Scan(q.dest); err != nil {
			return nil, NewQueryError("stats", err)
		}
	}
	return stats, nil
}
