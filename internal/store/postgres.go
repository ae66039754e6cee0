package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricefeed/internal/model"
)

// Schema is the DDL for the stores and items tables.
//
//go:embed schema.sql
var Schema string

const upsertItemSQL = `INSERT INTO items (
	chain_id, store_id, item_code, item_name, item_price,
	item_unit, item_unit_measure, item_quantity, item_manufacturer,
	item_category, item_subcategory, item_brand, item_promotion,
	item_promotion_price, item_promotion_description, last_update_date, last_update_time
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (chain_id, store_id, item_code, last_update_date)
DO UPDATE SET
	item_price = EXCLUDED.item_price,
	item_brand = EXCLUDED.item_brand,
	item_promotion = EXCLUDED.item_promotion,
	item_promotion_price = EXCLUDED.item_promotion_price,
	updated_at = CURRENT_TIMESTAMP`

const upsertStoreSQL = `INSERT INTO stores (
	chain_id, chain_name, sub_chain_id, sub_chain_name,
	store_id, bikoret_no, store_type, store_name,
	address, city, zip_code, last_update_date, last_update_time
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (chain_id, store_id)
DO UPDATE SET
	store_name = EXCLUDED.store_name,
	address = EXCLUDED.address,
	last_update_date = EXCLUDED.last_update_date,
	updated_at = CURRENT_TIMESTAMP`

// pgConn is the part of *pgx.Conn the store uses.
type pgConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// PostgresStore owns a single connection for the process lifetime. Persist is not
// safe for concurrent use; the consumer calls it serially.
type PostgresStore struct {
	conn pgConn
	log  zerolog.Logger
}

// OpenPostgres connects and pings. A failure here is a startup failure.
func OpenPostgres(ctx context.Context, dsn string, log zerolog.Logger) (*PostgresStore, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info().Str("database", conn.Config().Database).Msg("connected to postgres")
	return NewPostgresStoreWith(conn, log), nil
}

// NewPostgresStoreWith is used by tests to inject a fake connection.
func NewPostgresStoreWith(conn pgConn, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{conn: conn, log: log}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Persist(ctx context.Context, rec model.Record) error {
	items, stores, err := rowsFor(rec, time.Now())
	if err != nil {
		return err
	}
	b := &pgx.Batch{}
	for _, r := range items {
		b.Queue(upsertItemSQL,
			r.ChainID, r.StoreID, r.ItemCode, r.ItemName, numeric(r.Price),
			nullable(r.Unit), nullable(r.UnitMeasure), numeric(r.Quantity), nullable(r.Manufacturer),
			nullable(r.Category), nullable(r.Subcategory), nullable(r.Brand), r.Promotion,
			numeric(r.PromotionPrice), nullable(r.PromotionDescription), nullable(r.LastUpdateDate), nullable(r.LastUpdateTime),
		)
	}
	for _, r := range stores {
		b.Queue(upsertStoreSQL,
			r.ChainID, r.ChainName, nullable(r.SubChainID), nullable(r.SubChainName),
			r.StoreID, nullable(r.BikoretNo), r.StoreType, r.StoreName,
			nullable(r.Address), nullable(r.City), nullable(r.ZipCode), nullable(r.LastUpdateDate), nullable(r.LastUpdateTime),
		)
	}
	if b.Len() == 0 {
		return nil
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := execBatch(ctx, tx, b); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Debug().Str("kind", string(rec.Kind())).Int("items", len(items)).Int("stores", len(stores)).Msg("persisted record")
	return nil
}

func execBatch(ctx context.Context, tx pgx.Tx, b *pgx.Batch) error {
	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upsert row %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.conn.Close(context.Background())
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// nullable maps "" to SQL NULL so DATE and TIME columns accept missing values.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
