package trade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory Store with the same status-transition rules as
// the database implementation.
type memStore struct {
	mu        sync.Mutex
	positions map[int64]*Position
	orders    map[int64]*LimitOrder
	records   []*TransactionRecord
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[int64]*Position),
		orders:    make(map[int64]*LimitOrder),
	}
}

func (s *memStore) GetPosition(_ context.Context, id int64) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) UpsertPosition(_ context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *memStore) DeletePosition(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, id)
	return nil
}

func (s *memStore) GetActiveOrders(context.Context) ([]*LimitOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*LimitOrder
	for _, o := range s.orders {
		if o.Status == OrderActive {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) UpdateOrderStatus(_ context.Context, orderID int64, status OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != OrderActive {
		return nil
	}
	o.Status = status
	return nil
}

func (s *memStore) CancelOrdersForPosition(_ context.Context, positionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.PositionID == positionID && o.Status == OrderActive {
			o.Status = OrderCancelled
		}
	}
	return nil
}

func (s *memStore) CreateTransactionRecord(_ context.Context, r *TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memStore) orderStatus(id int64) OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id].Status
}

func (s *memStore) hasPosition(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.positions[id]
	return ok
}

// stubPrices serves fixed USD prices; missing mints resolve as unknown.
type stubPrices struct{ prices map[string]string }

func (s stubPrices) TokenInfo(_ context.Context, mint string) (*TokenInfo, error) {
	p, ok := s.prices[mint]
	if !ok {
		return nil, nil
	}
	return &TokenInfo{Mint: mint, PriceUSD: decimal.RequireFromString(p)}, nil
}

type stubBalances struct {
	mu       sync.Mutex
	balances map[string]uint64 // keyed by mint
}

func (s *stubBalances) GetTokenBalance(_ context.Context, _, mint string) (uint64, uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[mint], 6, nil
}

func (s *stubBalances) set(mint string, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[mint] = amount
}

type stubSeller struct {
	mu    sync.Mutex
	sells []uint64
	fail  bool
}

func (s *stubSeller) Sell(_ context.Context, _ Signer, _ string, amount uint64, _ ExecOptions) *ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sells = append(s.sells, amount)
	if s.fail {
		return &ExecutionResult{Success: false, Err: "all tiers failed"}
	}
	return &ExecutionResult{Success: true, Signature: "sig-liq", InAmount: amount, OutAmount: amount / 2, Tier: TierPrimaryRPC}
}

func (s *stubSeller) sellCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sells)
}

const testMint = "MintAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

func monitorFixture(price string, balance uint64) (*Monitor, *memStore, *stubSeller, *stubBalances) {
	store := newMemStore()
	store.positions[1] = &Position{
		ID: 1, UserID: 7, WalletAddress: "WalletAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		TokenMint: testMint, Quantity: balance, Decimals: 6,
	}
	store.orders[10] = &LimitOrder{
		ID: 10, PositionID: 1, UserID: 7, TokenMint: testMint,
		Kind: OrderStopLoss, TriggerPrice: decimal.RequireFromString("1.00"),
		SellPct: 100, Status: OrderActive, CreatedAt: time.Now(),
	}

	seller := &stubSeller{}
	balances := &stubBalances{balances: map[string]uint64{testMint: balance}}

	cfg := DefaultMonitorConfig()
	cfg.SettleDelay = time.Millisecond
	cfg.PriceWorkers = 2

	m := NewMonitor(zap.NewNop(), store, seller, balances, stubSignerProvider{pubkey: "WalletA"},
		stubPrices{prices: map[string]string{testMint: price}}, nil, nil, cfg, nil, nil)
	return m, store, seller, balances
}

func TestStopLossFiresBelowTrigger(t *testing.T) {
	m, store, seller, _ := monitorFixture("0.95", 1_000_000)

	m.Tick(context.Background())

	require.Equal(t, 1, seller.sellCount())
	assert.Equal(t, uint64(1_000_000), seller.sells[0])
	assert.Equal(t, OrderTriggered, store.orderStatus(10))
	require.Len(t, store.records, 1)
	assert.Equal(t, SideSell, store.records[0].Side)
}

func TestStopLossHoldsAboveTrigger(t *testing.T) {
	m, store, seller, _ := monitorFixture("1.05", 1_000_000)

	m.Tick(context.Background())

	assert.Zero(t, seller.sellCount())
	assert.Equal(t, OrderActive, store.orderStatus(10))
}

func TestTakeProfitFiresAboveTrigger(t *testing.T) {
	m, store, seller, _ := monitorFixture("2.50", 1_000_000)
	store.orders[10].Kind = OrderTakeProfit
	store.orders[10].TriggerPrice = decimal.RequireFromString("2.00")
	store.orders[10].SellPct = 50

	m.Tick(context.Background())

	require.Equal(t, 1, seller.sellCount())
	assert.Equal(t, uint64(500_000), seller.sells[0])
}

func TestZeroBalancePurgesWithoutSell(t *testing.T) {
	m, store, seller, _ := monitorFixture("0.95", 1_000_000)
	// persisted quantity says tokens exist, the chain says otherwise
	var purged bool
	m.onOutcome = func(o *OrderOutcome) { purged = o.Purged }
	balancesZero := &stubBalances{balances: map[string]uint64{testMint: 0}}
	m.balances = balancesZero

	m.Tick(context.Background())

	assert.Zero(t, seller.sellCount())
	assert.Equal(t, OrderCancelled, store.orderStatus(10))
	assert.False(t, store.hasPosition(1))
	assert.True(t, purged)
}

func TestSubPercentBalancePurgesInsteadOfZeroSell(t *testing.T) {
	// 50% of a single raw unit rounds to nothing; there is no trade to make
	m, store, seller, _ := monitorFixture("0.95", 1)
	store.orders[10].SellPct = 50

	m.Tick(context.Background())

	assert.Zero(t, seller.sellCount())
	assert.Equal(t, OrderCancelled, store.orderStatus(10))
	assert.False(t, store.hasPosition(1))
}

func TestSettlePublishesTradeSettled(t *testing.T) {
	m, _, _, balances := monitorFixture("0.95", 1_000_000)
	sink := NewChannelEventSink(8)
	m.events = sink
	m.router = sellThenDrain{seller: &stubSeller{}, balances: balances, remainder: 400_000}

	m.Tick(context.Background())

	types := make(map[string]bool)
	for {
		select {
		case e := <-sink.Events():
			types[e.Type] = true
			continue
		default:
		}
		break
	}
	assert.True(t, types[EventOrderTriggered])
	assert.True(t, types[EventTradeSettled])
}

func TestUnknownPriceSkipsEvaluation(t *testing.T) {
	m, store, seller, _ := monitorFixture("0.95", 1_000_000)
	m.tokens = stubPrices{prices: map[string]string{}}

	m.Tick(context.Background())

	assert.Zero(t, seller.sellCount())
	assert.Equal(t, OrderActive, store.orderStatus(10))
}

func TestOrphanedOrdersAreCancelled(t *testing.T) {
	m, store, seller, _ := monitorFixture("0.95", 1_000_000)
	delete(store.positions, 1)

	m.Tick(context.Background())

	assert.Zero(t, seller.sellCount())
	assert.Equal(t, OrderCancelled, store.orderStatus(10))
}

func TestSettleDeletesDustRemainder(t *testing.T) {
	m, store, _, balances := monitorFixture("0.95", 1_000_000)
	store.orders[10].SellPct = 100

	// after the sell lands the wallet holds only dust
	seller := &stubSeller{}
	m.router = sellThenDrain{seller: seller, balances: balances, remainder: 50}

	m.Tick(context.Background())

	assert.False(t, store.hasPosition(1))
	assert.Equal(t, OrderTriggered, store.orderStatus(10))
}

func TestSettleKeepsVerifiedRemainder(t *testing.T) {
	m, store, _, balances := monitorFixture("0.95", 1_000_000)
	store.orders[10].SellPct = 60

	seller := &stubSeller{}
	m.router = sellThenDrain{seller: seller, balances: balances, remainder: 400_000}

	m.Tick(context.Background())

	require.True(t, store.hasPosition(1))
	p, err := store.GetPosition(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(400_000), p.Quantity)
}

func TestFailedLiquidationStillMarksTriggered(t *testing.T) {
	m, store, _, _ := monitorFixture("0.95", 1_000_000)
	failing := &stubSeller{fail: true}
	m.router = failing

	m.Tick(context.Background())

	assert.Equal(t, 1, failing.sellCount())
	assert.Equal(t, OrderTriggered, store.orderStatus(10))
	// position survives a failed liquidation for manual follow-up
	assert.True(t, store.hasPosition(1))
}

func TestGuardSkipsInflightPosition(t *testing.T) {
	m, store, seller, _ := monitorFixture("0.95", 1_000_000)
	m.guard = deniedGuard{}

	m.Tick(context.Background())

	assert.Zero(t, seller.sellCount())
	assert.Equal(t, OrderActive, store.orderStatus(10))
}

// sellThenDrain wraps a stub seller and rewrites the wallet balance once the
// sell completes, so settle observes the post-trade remainder.
type sellThenDrain struct {
	seller    *stubSeller
	balances  *stubBalances
	remainder uint64
}

func (s sellThenDrain) Sell(ctx context.Context, signer Signer, mint string, amount uint64, opts ExecOptions) *ExecutionResult {
	result := s.seller.Sell(ctx, signer, mint, amount, opts)
	s.balances.set(mint, s.remainder)
	return result
}

type deniedGuard struct{}

func (deniedGuard) TryAcquire(context.Context, int64) (bool, error) { return false, nil }
func (deniedGuard) Release(context.Context, int64) error            { return nil }
