package engine

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// TradeStore persists concluded trades for accounting and post-mortems.
type TradeStore interface {
	InsertTrade(ctx context.Context, outcome *TradeOutcome) error
	RecentTrades(ctx context.Context, limit int) ([]*TradeRecord, error)
	RealizedSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
	Close() error
}

type TradeRecord struct {
	ID             int64           `db:"id"`
	Strategy       string          `db:"strategy"`
	ExpectedProfit decimal.Decimal `db:"expected_profit_usd"`
	RealizedProfit decimal.Decimal `db:"realized_profit_usd"`
	GasCostUSD     decimal.Decimal `db:"gas_cost_usd"`
	Confidence     float64         `db:"confidence"`
	TxHash         string          `db:"tx_hash"`
	Nonce          int64           `db:"nonce"`
	Status         string          `db:"status"`
	SubmittedAt    time.Time       `db:"submitted_at"`
	ConcludedAt    time.Time       `db:"concluded_at"`
}

type DBBackend struct {
	db *sqlx.DB

	insertTrade *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	insertTrade, err := db.PrepareNamed(`
		INSERT INTO trades
		       (strategy, expected_profit_usd, realized_profit_usd, gas_cost_usd,
		        confidence, tx_hash, nonce, status, submitted_at, concluded_at)
		VALUES (:strategy, :expected_profit_usd, :realized_profit_usd, :gas_cost_usd,
		        :confidence, :tx_hash, :nonce, :status, :submitted_at, :concluded_at)`)
	if err != nil {
		return nil, err
	}
	return &DBBackend{
		db:          db,
		insertTrade: insertTrade,
	}, nil
}

func (b *DBBackend) InsertTrade(ctx context.Context, outcome *TradeOutcome) error {
	record := &TradeRecord{
		Strategy:       outcome.Strategy.String(),
		ExpectedProfit: outcome.ExpectedProfit,
		RealizedProfit: outcome.RealizedProfit,
		GasCostUSD:     outcome.GasCostUSD,
		Confidence:     outcome.Confidence,
		TxHash:         outcome.TxHash.Hex(),
		Nonce:          int64(outcome.Nonce),
		Status:         outcome.Status,
		SubmittedAt:    outcome.SubmittedAt.UTC(),
		ConcludedAt:    outcome.ConcludedAt.UTC(),
	}
	_, err := b.insertTrade.ExecContext(ctx, record)
	return err
}

func (b *DBBackend) RecentTrades(ctx context.Context, limit int) ([]*TradeRecord, error) {
	var records []*TradeRecord
	err := b.db.SelectContext(ctx, &records,
		`SELECT * FROM trades ORDER BY concluded_at DESC LIMIT $1`, limit)
	return records, err
}

// RealizedSince sums realized profit net of gas over the window, used to
// reconcile the in-memory risk counters after a restart.
func (b *DBBackend) RealizedSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := b.db.GetContext(ctx, &total,
		`SELECT SUM(realized_profit_usd - gas_cost_usd) FROM trades WHERE concluded_at >= $1`,
		since.UTC())
	if err != nil || !total.Valid {
		return decimal.Zero, err
	}
	return total.Decimal, nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

// NopTradeStore drops trades on the floor. Used when no database is
// configured.
type NopTradeStore struct{}

func (NopTradeStore) InsertTrade(context.Context, *TradeOutcome) error { return nil }

func (NopTradeStore) RecentTrades(context.Context, int) ([]*TradeRecord, error) { return nil, nil }

func (NopTradeStore) RealizedSince(context.Context, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (NopTradeStore) Close() error { return nil }
