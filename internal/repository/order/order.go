package order

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
)

// Schema creates the tables the Postgres sink writes to. Applied by cmd/init.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
    id             TEXT PRIMARY KEY,
    symbol         TEXT        NOT NULL,
    maker_order_id BIGINT      NOT NULL,
    taker_order_id BIGINT      NOT NULL,
    maker_account  BIGINT      NOT NULL,
    taker_account  BIGINT      NOT NULL,
    taker_side     SMALLINT    NOT NULL,
    price          BIGINT      NOT NULL,
    quantity       BIGINT      NOT NULL,
    maker_fee      BIGINT      NOT NULL,
    taker_fee      BIGINT      NOT NULL,
    sequence       BIGINT      NOT NULL,
    traded_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_symbol_sequence ON trades (symbol, sequence);

CREATE TABLE IF NOT EXISTS order_states (
    id                 BIGINT PRIMARY KEY,
    account            BIGINT      NOT NULL,
    symbol             TEXT        NOT NULL,
    side               SMALLINT    NOT NULL,
    price              BIGINT      NOT NULL,
    initial_quantity   BIGINT      NOT NULL,
    remaining_quantity BIGINT      NOT NULL,
    filled_quantity    BIGINT      NOT NULL,
    status             SMALLINT    NOT NULL,
    sequence           BIGINT      NOT NULL,
    arrived_at         TIMESTAMPTZ NOT NULL,
    closed_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS order_states_account ON order_states (account);
`

// --- Models corresponding to DB tables ---
type TradeRecord struct {
	ID           string    `db:"id"`
	Symbol       string    `db:"symbol"`
	MakerOrderID int64     `db:"maker_order_id"`
	TakerOrderID int64     `db:"taker_order_id"`
	MakerAccount int64     `db:"maker_account"`
	TakerAccount int64     `db:"taker_account"`
	TakerSide    int8      `db:"taker_side"` // 0 = BID, 1 = ASK
	Price        int64     `db:"price"`
	Quantity     int64     `db:"quantity"`
	MakerFee     int64     `db:"maker_fee"`
	TakerFee     int64     `db:"taker_fee"`
	Sequence     int64     `db:"sequence"`
	TradedAt     time.Time `db:"traded_at"`
}

type OrderStateRecord struct {
	ID                int64     `db:"id"`
	Account           int64     `db:"account"`
	Symbol            string    `db:"symbol"`
	Side              int8      `db:"side"`
	Price             int64     `db:"price"`
	InitialQuantity   int64     `db:"initial_quantity"`
	RemainingQuantity int64     `db:"remaining_quantity"`
	FilledQuantity    int64     `db:"filled_quantity"`
	Status            int8      `db:"status"`
	Sequence          int64     `db:"sequence"`
	ArrivedAt         time.Time `db:"arrived_at"`
}

// --- Repository Interface ---
type OrderRepository interface {
	CreateTrade(ctx context.Context, tx *sqlx.Tx, trade TradeRecord) error
	UpsertOrderState(ctx context.Context, tx *sqlx.Tx, state OrderStateRecord) error
	GetOrderByID(ctx context.Context, tx *sqlx.Tx, orderID int64) (*OrderStateRecord, error)
	ListTradesBySymbol(ctx context.Context, tx *sqlx.Tx, symbol string, limit int) ([]TradeRecord, error)
}

// --- Implementation ---
type orderRepositoryImpl struct{}

func NewOrderRepository() OrderRepository {
	return &orderRepositoryImpl{}
}

// CreateTrade ignores a trade id it has already stored.
func (r *orderRepositoryImpl) CreateTrade(ctx context.Context, tx *sqlx.Tx, trade TradeRecord) error {
	_, err := tx.NamedExecContext(ctx,
		`INSERT INTO trades (id, symbol, maker_order_id, taker_order_id, maker_account, taker_account,
                             taker_side, price, quantity, maker_fee, taker_fee, sequence, traded_at)
         VALUES (:id, :symbol, :maker_order_id, :taker_order_id, :maker_account, :taker_account,
                 :taker_side, :price, :quantity, :maker_fee, :taker_fee, :sequence, :traded_at)
         ON CONFLICT (id) DO NOTHING`,
		trade)
	return err
}

func (r *orderRepositoryImpl) UpsertOrderState(ctx context.Context, tx *sqlx.Tx, state OrderStateRecord) error {
	_, err := tx.NamedExecContext(ctx,
		`INSERT INTO order_states (id, account, symbol, side, price, initial_quantity, remaining_quantity,
                                   filled_quantity, status, sequence, arrived_at)
         VALUES (:id, :account, :symbol, :side, :price, :initial_quantity, :remaining_quantity,
                 :filled_quantity, :status, :sequence, :arrived_at)
         ON CONFLICT (id) DO UPDATE SET
             price = EXCLUDED.price,
             initial_quantity = EXCLUDED.initial_quantity,
             remaining_quantity = EXCLUDED.remaining_quantity,
             filled_quantity = EXCLUDED.filled_quantity,
             status = EXCLUDED.status,
             sequence = EXCLUDED.sequence,
             closed_at = NOW()`,
		state)
	return err
}

func (r *orderRepositoryImpl) GetOrderByID(ctx context.Context, tx *sqlx.Tx, orderID int64) (*OrderStateRecord, error) {
	var ord OrderStateRecord
	err := tx.GetContext(ctx, &ord,
		`SELECT id, account, symbol, side, price, initial_quantity, remaining_quantity, filled_quantity,
                status, sequence, arrived_at
         FROM order_states WHERE id=$1`,
		orderID)
	if err != nil {
		return nil, err
	}
	return &ord, nil
}

func (r *orderRepositoryImpl) ListTradesBySymbol(ctx context.Context, tx *sqlx.Tx, symbol string, limit int) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := tx.SelectContext(ctx, &trades,
		`SELECT id, symbol, maker_order_id, taker_order_id, maker_account, taker_account, taker_side,
                price, quantity, maker_fee, taker_fee, sequence, traded_at
         FROM trades WHERE symbol=$1 ORDER BY sequence DESC LIMIT $2`,
		symbol, limit)
	return trades, err
}

func NewTradeRecord(t model.Trade) TradeRecord {
	return TradeRecord{
		ID:           t.ID,
		Symbol:       t.Symbol,
		MakerOrderID: int64(t.MakerID),
		TakerOrderID: int64(t.TakerID),
		MakerAccount: int64(t.MakerAccount),
		TakerAccount: int64(t.TakerAccount),
		TakerSide:    int8(t.TakerSide),
		Price:        int64(t.Price),
		Quantity:     int64(t.Quantity),
		MakerFee:     int64(t.MakerFee),
		TakerFee:     int64(t.TakerFee),
		Sequence:     int64(t.Sequence),
		TradedAt:     t.Timestamp,
	}
}

func NewOrderStateRecord(s model.OrderState) OrderStateRecord {
	return OrderStateRecord{
		ID:                int64(s.ID),
		Account:           int64(s.Account),
		Symbol:            s.Symbol,
		Side:              int8(s.Side),
		Price:             int64(s.Price),
		InitialQuantity:   int64(s.InitialQuantity),
		RemainingQuantity: int64(s.RemainingQuantity),
		FilledQuantity:    int64(s.FilledQuantity),
		Status:            int8(s.Status),
		Sequence:          int64(s.Sequence),
		ArrivedAt:         s.ArrivedAt,
	}
}

// Sink writes settlement events to Postgres, one transaction per event.
type Sink struct {
	db   *sqlx.DB
	repo OrderRepository
}

func NewSink(db *sqlx.DB) *Sink {
	return &Sink{db: db, repo: NewOrderRepository()}
}

func (s *Sink) Name() string { return "postgres" }

func (s *Sink) RecordTrade(ctx context.Context, trade model.Trade) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repo.CreateTrade(ctx, tx, NewTradeRecord(trade)); err != nil {
			return fmt.Errorf("inserting trade %s: %w", trade.ID, err)
		}
		return nil
	})
}

func (s *Sink) RecordOrderState(ctx context.Context, state model.OrderState) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repo.UpsertOrderState(ctx, tx, NewOrderStateRecord(state)); err != nil {
			return fmt.Errorf("writing order %d: %w", state.ID, err)
		}
		return nil
	})
}

func (s *Sink) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
