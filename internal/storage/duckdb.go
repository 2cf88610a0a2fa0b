package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/tradelab/go-listing-backfill/internal/models"
)

var _ Store = (*DuckDBStorage)(nil)

// DuckDBStorage implements Store on DuckDB. DuckDB tolerates a single
// writer transaction at a time, so the connection pool is pinned to one
// connection and all writes arrive through the persistence queue.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewDuckDBStorage opens a DuckDB database. dbPath may be ":memory:" or a
// file path.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize creates the schema. Idempotent.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	statements := []struct {
		table string
		query string
	}{
		{"symbols", `
		CREATE SEQUENCE IF NOT EXISTS symbols_id_seq`},
		{"symbols", `
		CREATE TABLE IF NOT EXISTS symbols (
			id BIGINT PRIMARY KEY DEFAULT nextval('symbols_id_seq'),
			symbol VARCHAR NOT NULL UNIQUE,
			base_asset VARCHAR NOT NULL,
			quote_asset VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`},
		{"listing_analysis", `
		CREATE SEQUENCE IF NOT EXISTS listing_analysis_id_seq`},
		{"listing_analysis", `
		CREATE TABLE IF NOT EXISTS listing_analysis (
			id BIGINT PRIMARY KEY DEFAULT nextval('listing_analysis_id_seq'),
			symbol_id BIGINT NOT NULL UNIQUE,
			listing_date TIMESTAMPTZ,
			data_status VARCHAR NOT NULL CHECK (data_status IN ('pending', 'analyzed', 'no_data', 'error')),
			error_message VARCHAR,
			analysis_date TIMESTAMPTZ NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`},
		{"historical_klines", `
		CREATE SEQUENCE IF NOT EXISTS historical_klines_id_seq`},
		{"historical_klines", `
		CREATE TABLE IF NOT EXISTS historical_klines (
			id BIGINT PRIMARY KEY DEFAULT nextval('historical_klines_id_seq'),
			symbol_id BIGINT NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			close_time TIMESTAMPTZ NOT NULL,
			open_price DECIMAL(38, 18) NOT NULL,
			high_price DECIMAL(38, 18) NOT NULL,
			low_price DECIMAL(38, 18) NOT NULL,
			close_price DECIMAL(38, 18) NOT NULL,
			volume DECIMAL(38, 18) NOT NULL,
			quote_asset_volume DECIMAL(38, 18) NOT NULL,
			number_of_trades BIGINT NOT NULL,
			taker_buy_base_asset_volume DECIMAL(38, 18) NOT NULL,
			taker_buy_quote_asset_volume DECIMAL(38, 18) NOT NULL,
			UNIQUE (symbol_id, open_time)
		)`},
		{"historical_klines", `
		CREATE INDEX IF NOT EXISTS idx_klines_symbol_open_time
			ON historical_klines (symbol_id, open_time)`},
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt.query); err != nil {
			return NewStorageError("initialize", stmt.table, err)
		}
	}

	d.logger.Info("DuckDB storage initialized")
	return nil
}

func (d *DuckDBStorage) UpsertSymbol(ctx context.Context, sym *models.Symbol) error {
	query := `
		INSERT INTO symbols (symbol, base_asset, quote_asset, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol) DO UPDATE SET
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, created_at, updated_at`

	err := d.db.QueryRowContext(ctx, query,
		sym.Symbol, sym.BaseAsset, sym.QuoteAsset, string(sym.Status),
	).Scan(&sym.ID, &sym.CreatedAt, &sym.UpdatedAt)
	if err != nil {
		return NewInsertError("symbols", err)
	}
	return nil
}

func (d *DuckDBStorage) GetSymbol(ctx context.Context, symbol string) (*models.Symbol, error) {
	query := `
		SELECT id, symbol, base_asset, quote_asset, status, created_at, updated_at
		FROM symbols WHERE symbol = $1`

	var sym models.Symbol
	var status string
	err := d.db.QueryRowContext(ctx, query, symbol).Scan(
		&sym.ID, &sym.Symbol, &sym.BaseAsset, &sym.QuoteAsset,
		&status, &sym.CreatedAt, &sym.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewQueryError("symbols", err)
	}
	sym.Status = models.SymbolStatus(status)
	return &sym, nil
}

func (d *DuckDBStorage) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	query := `
		SELECT id, symbol, base_asset, quote_asset, status, created_at, updated_at
		FROM symbols ORDER BY symbol`

	rows, err := d.db.QueryContext(ctx, query)
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

func (d *DuckDBStorage) UpsertListing(ctx context.Context, record *models.ListingRecord) error {
	query := `
		INSERT INTO listing_analysis
			(symbol_id, listing_date, data_status, error_message, analysis_date, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol_id) DO UPDATE SET
			listing_date = excluded.listing_date,
			data_status = excluded.data_status,
			error_message = excluded.error_message,
			analysis_date = excluded.analysis_date,
			retry_count = excluded.retry_count
		RETURNING id`

	err := d.db.QueryRowContext(ctx, query,
		record.SymbolID, record.ListingTime, string(record.Status),
		nullString(record.ErrorMessage), record.AnalyzedAt, record.RetryCount,
	).Scan(&record.ID)
	if err != nil {
		return NewInsertError("listing_analysis", err)
	}
	return nil
}

func (d *DuckDBStorage) GetListing(ctx context.Context, symbolID int64) (*models.ListingRecord, error) {
	query := `
		SELECT id, symbol_id, listing_date, data_status, error_message, analysis_date, retry_count
		FROM listing_analysis WHERE symbol_id = $1`

	var record models.ListingRecord
	var status string
	var listingDate sql.NullTime
	var errMsg sql.NullString
	err := d.db.QueryRowContext(ctx, query, symbolID).Scan(
		&record.ID, &record.SymbolID, &listingDate,
		&status, &errMsg, &record.AnalyzedAt, &record.RetryCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewQueryError("listing_analysis", err)
	}
	record.Status = models.ListingStatus(status)
	record.ErrorMessage = errMsg.String
	if listingDate.Valid {
		t := listingDate.Time
		record.ListingTime = &t
	}
	return &record, nil
}

func (d *DuckDBStorage) InsertKlines(ctx context.Context, klines []models.Kline) (int, error) {
	if len(klines) == 0 {
		return 0, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewInsertError("historical_klines", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO historical_klines
			(symbol_id, open_time, close_time, open_price, high_price, low_price,
			 close_price, volume, quote_asset_volume, number_of_trades,
			 taker_buy_base_asset_volume, taker_buy_quote_asset_volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol_id, open_time) DO NOTHING`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, NewInsertError("historical_klines", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, k := range klines {
		res, err := stmt.ExecContext(ctx,
			k.SymbolID, k.OpenTime, k.CloseTime,
			k.Open, k.High, k.Low, k.Close,
			k.Volume, k.QuoteVolume, k.TradeCount,
			k.TakerBuyBase, k.TakerBuyQuote)
		if err != nil {
			return 0, NewInsertError("historical_klines", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError("historical_klines", err)
	}
	return inserted, nil
}

func (d *DuckDBStorage) CountKlines(ctx context.Context, symbolID int64) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM historical_klines WHERE symbol_id = $1", symbolID,
	).Scan(&count)
	if err != nil {
		return 0, NewQueryError("historical_klines", err)
	}
	return count, nil
}

func (d *DuckDBStorage) QueryKlines(ctx context.Context, q KlineQuery) ([]models.Kline, error) {
	query := `
		SELECT symbol_id, open_time, close_time,
		       CAST(open_price AS VARCHAR), CAST(high_price AS VARCHAR),
		       CAST(low_price AS VARCHAR), CAST(close_price AS VARCHAR),
		       CAST(volume AS VARCHAR), CAST(quote_asset_volume AS VARCHAR),
		       number_of_trades,
		       CAST(taker_buy_base_asset_volume AS VARCHAR),
		       CAST(taker_buy_quote_asset_volume AS VARCHAR)
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

	rows, err := d.db.QueryContext(ctx, query, args...)
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

func (d *DuckDBStorage) Close() error {
	d.logger.Info("closing DuckDB storage", "db_path", d.dbPath)
	return d.db.Close()
}

func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return NewStorageError("health_check", "", err)
	}
	return nil
}

func (d *DuckDBStorage) Stats(ctx context.Context) (*Stats, error) {
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
		if err := d.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, NewQueryError("stats", err)
		}
	}
	return stats, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
