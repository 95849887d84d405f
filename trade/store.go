package trade

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var ErrPositionNotFound = errors.New("position not found")

// Store is the engine's persistence boundary. All calls are idempotent
// upserts or status transitions; the engine never assumes atomicity across
// calls, so a transaction record may exist even when a later position update
// failed.
type Store interface {
	GetPosition(ctx context.Context, id int64) (*Position, error)
	UpsertPosition(ctx context.Context, p *Position) error
	DeletePosition(ctx context.Context, id int64) error

	GetActiveOrders(ctx context.Context) ([]*LimitOrder, error)
	// UpdateOrderStatus transitions an active order. A missing or already
	// inactive order is a no-op, never an error.
	UpdateOrderStatus(ctx context.Context, orderID int64, status OrderStatus) error
	CancelOrdersForPosition(ctx context.Context, positionID int64) error

	CreateTransactionRecord(ctx context.Context, r *TransactionRecord) error
}

type dbPosition struct {
	ID               int64     `db:"id"`
	UserID           int64     `db:"user_id"`
	WalletAddress    string    `db:"wallet_address"`
	TokenMint        string    `db:"token_mint"`
	Quantity         int64     `db:"quantity"`
	Decimals         int16     `db:"decimals"`
	EntryPriceUSD    string    `db:"entry_price_usd"`
	EntryCostLamport int64     `db:"entry_cost_lamports"`
	UpdatedAt        time.Time `db:"updated_at"`
}

type dbOrder struct {
	ID           int64     `db:"id"`
	PositionID   int64     `db:"position_id"`
	UserID       int64     `db:"user_id"`
	TokenMint    string    `db:"token_mint"`
	Kind         string    `db:"kind"`
	TriggerPrice string    `db:"trigger_price"`
	SellPct      int       `db:"sell_pct"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
}

var upsertPositionQuery = `
INSERT INTO positions (id, user_id, wallet_address, token_mint, quantity, decimals, entry_price_usd, entry_cost_lamports, updated_at)
VALUES (:id, :user_id, :wallet_address, :token_mint, :quantity, :decimals, :entry_price_usd, :entry_cost_lamports, :updated_at)
ON CONFLICT (id) DO UPDATE
SET quantity = excluded.quantity, entry_price_usd = excluded.entry_price_usd,
    entry_cost_lamports = excluded.entry_cost_lamports, updated_at = excluded.updated_at`

var getPositionQuery = `
SELECT id, user_id, wallet_address, token_mint, quantity, decimals, entry_price_usd, entry_cost_lamports, updated_at
FROM positions WHERE id = $1`

var deletePositionQuery = `DELETE FROM positions WHERE id = $1`

var getActiveOrdersQuery = `
SELECT o.id, o.position_id, o.user_id, o.token_mint, o.kind, o.trigger_price, o.sell_pct, o.status, o.created_at
FROM limit_orders o WHERE o.status = 'active' ORDER BY o.created_at`

var updateOrderStatusQuery = `
UPDATE limit_orders SET status = $2 WHERE id = $1 AND status = 'active'`

var cancelOrdersForPositionQuery = `
UPDATE limit_orders SET status = 'cancelled' WHERE position_id = $1 AND status = 'active'`

var insertTransactionQuery = `
INSERT INTO transactions (user_id, token_mint, side, signature, in_amount, out_amount, venue, tier, success, error, executed_at)
VALUES (:user_id, :token_mint, :side, :signature, :in_amount, :out_amount, :venue, :tier, :success, :error, :executed_at)`

// DBStore is the reference Postgres implementation of Store.
type DBStore struct {
	db *sqlx.DB
}

func NewDBStore(postgresDSN string) (*DBStore, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	return &DBStore{db: db}, nil
}

func (s *DBStore) Close() error {
	return s.db.Close()
}

func (s *DBStore) GetPosition(ctx context.Context, id int64) (*Position, error) {
	var row dbPosition
	err := s.db.GetContext(ctx, &row, getPositionQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, err
	}
	return positionFromRow(&row)
}

func (s *DBStore) UpsertPosition(ctx context.Context, p *Position) error {
	row := dbPosition{
		ID:               p.ID,
		UserID:           p.UserID,
		WalletAddress:    p.WalletAddress,
		TokenMint:        p.TokenMint,
		Quantity:         int64(p.Quantity),
		Decimals:         int16(p.Decimals),
		EntryPriceUSD:    p.EntryPriceUSD.String(),
		EntryCostLamport: int64(p.EntryCostLamport),
		UpdatedAt:        time.Now().UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, upsertPositionQuery, row)
	return err
}

func (s *DBStore) DeletePosition(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, deletePositionQuery, id)
	return err
}

func (s *DBStore) GetActiveOrders(ctx context.Context) ([]*LimitOrder, error) {
	var rows []dbOrder
	if err := s.db.SelectContext(ctx, &rows, getActiveOrdersQuery); err != nil {
		return nil, err
	}
	orders := make([]*LimitOrder, 0, len(rows))
	for i := range rows {
		o, err := orderFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *DBStore) UpdateOrderStatus(ctx context.Context, orderID int64, status OrderStatus) error {
	_, err := s.db.ExecContext(ctx, updateOrderStatusQuery, orderID, string(status))
	return err
}

func (s *DBStore) CancelOrdersForPosition(ctx context.Context, positionID int64) error {
	_, err := s.db.ExecContext(ctx, cancelOrdersForPositionQuery, positionID)
	return err
}

func (s *DBStore) CreateTransactionRecord(ctx context.Context, r *TransactionRecord) error {
	row := struct {
		UserID     int64     `db:"user_id"`
		TokenMint  string    `db:"token_mint"`
		Side       string    `db:"side"`
		Signature  string    `db:"signature"`
		InAmount   int64     `db:"in_amount"`
		OutAmount  int64     `db:"out_amount"`
		Venue      string    `db:"venue"`
		Tier       string    `db:"tier"`
		Success    bool      `db:"success"`
		Error      string    `db:"error"`
		ExecutedAt time.Time `db:"executed_at"`
	}{
		UserID:     r.UserID,
		TokenMint:  r.TokenMint,
		Side:       string(r.Side),
		Signature:  r.Signature,
		InAmount:   int64(r.InAmount),
		OutAmount:  int64(r.OutAmount),
		Venue:      r.Venue,
		Tier:       string(r.Tier),
		Success:    r.Success,
		Error:      r.Err,
		ExecutedAt: r.ExecutedAt,
	}
	_, err := s.db.NamedExecContext(ctx, insertTransactionQuery, row)
	return err
}

func positionFromRow(row *dbPosition) (*Position, error) {
	price, err := decimal.NewFromString(row.EntryPriceUSD)
	if err != nil {
		return nil, err
	}
	return &Position{
		ID:               row.ID,
		UserID:           row.UserID,
		WalletAddress:    row.WalletAddress,
		TokenMint:        row.TokenMint,
		Quantity:         uint64(row.Quantity),
		Decimals:         uint8(row.Decimals),
		EntryPriceUSD:    price,
		EntryCostLamport: uint64(row.EntryCostLamport),
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

func orderFromRow(row *dbOrder) (*LimitOrder, error) {
	price, err := decimal.NewFromString(row.TriggerPrice)
	if err != nil {
		return nil, err
	}
	return &LimitOrder{
		ID:           row.ID,
		PositionID:   row.PositionID,
		UserID:       row.UserID,
		TokenMint:    row.TokenMint,
		Kind:         OrderKind(row.Kind),
		TriggerPrice: price,
		SellPct:      row.SellPct,
		Status:       OrderStatus(row.Status),
		CreatedAt:    row.CreatedAt,
	}, nil
}
