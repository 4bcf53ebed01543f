package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuelink/internal/domain/schema"
)

const (
	entryUpsertSQL = `
INSERT INTO order_journal (
    id,
    order_id,
    broker_id,
    symbol,
    status,
    execution_id,
    fill_price,
    fill_quantity,
    fee,
    fee_currency,
    message,
    metadata,
    occurred_at
)
VALUES (
    @id::uuid,
    @order_id,
    @broker_id,
    @symbol,
    @status,
    @execution_id,
    @fill_price::numeric,
    @fill_quantity::numeric,
    @fee::numeric,
    @fee_currency,
    @message,
    @metadata::jsonb,
    @occurred_at
)
ON CONFLICT (order_id, status, execution_id) DO UPDATE SET
    broker_id = EXCLUDED.broker_id,
    symbol = EXCLUDED.symbol,
    fill_price = EXCLUDED.fill_price,
    fill_quantity = EXCLUDED.fill_quantity,
    fee = EXCLUDED.fee,
    fee_currency = EXCLUDED.fee_currency,
    message = EXCLUDED.message,
    metadata = EXCLUDED.metadata,
    occurred_at = EXCLUDED.occurred_at,
    recorded_at = NOW();
`

	entrySelectSQL = `
SELECT
    id::text,
    order_id,
    broker_id,
    symbol,
    status,
    execution_id,
    fill_price::text,
    fill_quantity::text,
    fee::text,
    fee_currency,
    message,
    metadata,
    occurred_at
FROM order_journal
WHERE order_id = @order_id
ORDER BY occurred_at, recorded_at;
`
)

// PostgresStore persists entries in the order_journal table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool for dsn and verifies connectivity.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("journal: postgres dsn required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool wraps an existing pool. Close closes it.
func NewPostgresStoreWithPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("journal: nil pool")
	}
	return s.pool, nil
}

// RecordEvent upserts entry on (order_id, status, execution_id).
func (s *PostgresStore) RecordEvent(ctx context.Context, entry Entry) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(entry.Status)) == "" {
		return fmt.Errorf("journal: entry status required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return fmt.Errorf("journal: encode metadata: %w", err)
	}
	occurred := entry.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	args := pgx.NamedArgs{
		"id":            entry.ID,
		"order_id":      entry.OrderID,
		"broker_id":     entry.BrokerID,
		"symbol":        entry.Symbol,
		"status":        string(entry.Status),
		"execution_id":  entry.ExecutionID,
		"fill_price":    entry.FillPrice.String(),
		"fill_quantity": entry.FillQuantity.String(),
		"fee":           entry.Fee.String(),
		"fee_currency":  entry.FeeCurrency,
		"message":       entry.Message,
		"metadata":      metadata,
		"occurred_at":   occurred.UTC(),
	}
	if _, err := pool.Exec(ctx, entryUpsertSQL, args); err != nil {
		return fmt.Errorf("journal: upsert entry: %w", err)
	}
	return nil
}

// Events returns the entries of one order by occurrence time.
func (s *PostgresStore) Events(ctx context.Context, orderID int64) ([]Entry, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, entrySelectSQL, pgx.NamedArgs{"order_id": orderID})
	if err != nil {
		return nil, fmt.Errorf("journal: query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry                Entry
			status               string
			price, quantity, fee string
			metadata             []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.OrderID,
			&entry.BrokerID,
			&entry.Symbol,
			&status,
			&entry.ExecutionID,
			&price,
			&quantity,
			&fee,
			&entry.FeeCurrency,
			&entry.Message,
			&metadata,
			&entry.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("journal: scan entry: %w", err)
		}
		entry.Status = schema.OrderStatus(status)
		if entry.FillPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("journal: parse fill price: %w", err)
		}
		if entry.FillQuantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("journal: parse fill quantity: %w", err)
		}
		if entry.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("journal: parse fee: %w", err)
		}
		if entry.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, fmt.Errorf("journal: decode metadata: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate entries: %w", err)
	}
	return out, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
