package trade

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyontrade/engine/metrics"
)

// BalanceSource reads true on-chain token balances. The monitor never trusts
// a persisted quantity: partial fills, external transfers and prior sync
// failures all make it lag reality.
type BalanceSource interface {
	GetTokenBalance(ctx context.Context, owner, mint string) (amount uint64, decimals uint8, err error)
}

// Seller is the liquidation path the monitor drives. *Router implements it.
type Seller interface {
	Sell(ctx context.Context, signer Signer, mint string, amount uint64, opts ExecOptions) *ExecutionResult
}

// InflightGuard fences one liquidation per position.
type InflightGuard interface {
	TryAcquire(ctx context.Context, positionID int64) (bool, error)
	Release(ctx context.Context, positionID int64) error
}

// OrderOutcome is handed to the outcome callback after a trigger was acted
// on, whether the liquidation succeeded, failed, or was skipped for an empty
// wallet.
type OrderOutcome struct {
	Order    *LimitOrder
	Position *Position
	Result   *ExecutionResult // nil when the position was purged without a sell
	Purged   bool
}

type MonitorConfig struct {
	Interval     time.Duration
	SettleDelay  time.Duration
	DustRaw      uint64 // balances at or below this count as fully closed
	SlippageBps  uint64 // elevated: liquidation must not stall on price precision
	FeeUrgency   int
	UseRelay     bool
	TurboTips    bool
	PriceWorkers int
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:     10 * time.Second,
		SettleDelay:  3 * time.Second,
		DustRaw:      100,
		SlippageBps:  1_500,
		FeeUrgency:   9,
		UseRelay:     true,
		TurboTips:    true,
		PriceWorkers: 4,
	}
}

// Monitor re-reads live prices for every position holding active orders and
// liquidates through the router when a trigger condition is met. A single
// qualifying tick fires the trigger; no hysteresis is applied, which trades
// fast reaction for exposure to price-feed flapping.
type Monitor struct {
	log      *zap.Logger
	store    Store
	router   Seller
	balances BalanceSource
	signers  SignerProvider
	tokens   TokenInfoProvider
	guard    InflightGuard // nil disables cross-process fencing
	events   EventSink     // nil disables event publishing
	cfg      MonitorConfig

	onOutcome func(*OrderOutcome)
	onError   func(error)
}

func NewMonitor(
	log *zap.Logger,
	store Store, router Seller, balances BalanceSource, signers SignerProvider, tokens TokenInfoProvider,
	guard InflightGuard, events EventSink, cfg MonitorConfig,
	onOutcome func(*OrderOutcome), onError func(error),
) *Monitor {
	if onOutcome == nil {
		onOutcome = func(*OrderOutcome) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Monitor{
		log:       log.With(zap.String("component", "monitor")),
		store:     store,
		router:    router,
		balances:  balances,
		signers:   signers,
		tokens:    tokens,
		guard:     guard,
		events:    events,
		cfg:       cfg,
		onOutcome: onOutcome,
		onError:   onError,
	}
}

// Start runs the evaluation loop until ctx is cancelled. Ticks never
// overlap: the loop is a single goroutine and a tick runs to completion
// before the next one starts. A failed tick is reported and skipped; a
// missed tick is preferable to a stopped monitor.
func (m *Monitor) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
	return wg
}

// Tick evaluates every active order once. Exported so a control surface can
// force an immediate evaluation.
func (m *Monitor) Tick(ctx context.Context) {
	orders, err := m.store.GetActiveOrders(ctx)
	if err != nil {
		metrics.IncMonitorTickErrors()
		m.onError(err)
		return
	}
	if len(orders) == 0 {
		return
	}

	byPosition := make(map[int64][]*LimitOrder)
	for _, o := range orders {
		byPosition[o.PositionID] = append(byPosition[o.PositionID], o)
	}

	prices := m.fetchPrices(ctx, orders)

	for positionID, posOrders := range byPosition {
		position, err := m.store.GetPosition(ctx, positionID)
		if err != nil {
			if err == ErrPositionNotFound {
				// user deleted the position from under its orders
				if cerr := m.store.CancelOrdersForPosition(ctx, positionID); cerr != nil {
					m.onError(cerr)
				}
				continue
			}
			metrics.IncMonitorTickErrors()
			m.onError(err)
			continue
		}

		price, ok := prices[position.TokenMint]
		if !ok {
			// unknown price: cannot evaluate triggers this tick, never zero
			continue
		}

		for _, order := range posOrders {
			if !order.ShouldTrigger(price) {
				continue
			}
			m.handleTrigger(ctx, order, position, price)
		}
	}
}

// fetchPrices resolves each distinct token once per tick, with bounded
// concurrency, so external-call volume scales with tokens, not orders.
func (m *Monitor) fetchPrices(ctx context.Context, orders []*LimitOrder) map[string]decimal.Decimal {
	mints := make(map[string]struct{})
	for _, o := range orders {
		mints[o.TokenMint] = struct{}{}
	}

	var mu sync.Mutex
	prices := make(map[string]decimal.Decimal, len(mints))

	workers := m.cfg.PriceWorkers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for mint := range mints {
		wg.Add(1)
		sem <- struct{}{}
		go func(mint string) {
			defer wg.Done()
			defer func() { <-sem }()

			info, err := m.tokens.TokenInfo(ctx, mint)
			if err != nil {
				m.onError(err)
				return
			}
			if info == nil {
				return
			}
			mu.Lock()
			prices[mint] = info.PriceUSD
			mu.Unlock()
		}(mint)
	}
	wg.Wait()
	return prices
}

// ShouldTrigger reports whether the order fires at the given price:
// stop-loss at price <= trigger, take-profit at price >= trigger.
func (o *LimitOrder) ShouldTrigger(price decimal.Decimal) bool {
	switch o.Kind {
	case OrderStopLoss:
		return price.LessThanOrEqual(o.TriggerPrice)
	case OrderTakeProfit:
		return price.GreaterThanOrEqual(o.TriggerPrice)
	default:
		return false
	}
}

func (m *Monitor) handleTrigger(ctx context.Context, order *LimitOrder, position *Position, price decimal.Decimal) {
	logger := m.log.With(zap.Int64("order", order.ID), zap.Int64("position", position.ID), zap.String("mint", position.TokenMint))

	if m.guard != nil {
		ok, err := m.guard.TryAcquire(ctx, position.ID)
		if err != nil {
			m.onError(err)
			return
		}
		if !ok {
			logger.Debug("Liquidation already in flight, skipping")
			return
		}
		defer func() {
			if rerr := m.guard.Release(context.WithoutCancel(ctx), position.ID); rerr != nil {
				m.onError(rerr)
			}
		}()
	}

	balance, _, err := m.balances.GetTokenBalance(ctx, position.WalletAddress, position.TokenMint)
	if err != nil {
		m.onError(err)
		return
	}
	if balance != position.Quantity {
		logger.Info("Persisted quantity lags on-chain balance, trusting chain",
			zap.Uint64("persisted", position.Quantity), zap.Uint64("onchain", balance))
	}

	if balance == 0 {
		m.purgePosition(ctx, order, position)
		return
	}

	// split to avoid overflow on large raw balances
	sellAmount := balance/100*uint64(order.SellPct) + balance%100*uint64(order.SellPct)/100
	if order.SellPct >= 100 {
		sellAmount = balance
	}
	if sellAmount == 0 {
		// the percentage rounds a sub-100-unit balance down to nothing;
		// that is dust, not a sellable remainder
		m.purgePosition(ctx, order, position)
		return
	}

	logger.Info("Order triggered", zap.String("kind", string(order.Kind)),
		zap.String("price", price.String()), zap.String("trigger", order.TriggerPrice.String()),
		zap.Uint64("sellAmount", sellAmount))
	metrics.IncOrdersTriggered()

	result := m.liquidate(ctx, order, position, sellAmount)

	// triggered regardless of trade outcome: a failed liquidation is
	// reported, not silently retried on the next tick
	if err := m.store.UpdateOrderStatus(ctx, order.ID, OrderTriggered); err != nil {
		m.onError(err)
	}

	if result != nil {
		m.recordTrade(ctx, order, position, result)
		m.settle(ctx, order, position, balance, result)
	}

	m.publish(ctx, EventOrderTriggered, order, position, result)
	m.onOutcome(&OrderOutcome{Order: order, Position: position, Result: result})
}

func (m *Monitor) liquidate(ctx context.Context, order *LimitOrder, position *Position, sellAmount uint64) *ExecutionResult {
	signer, err := m.signers.SignerFor(ctx, position.UserID)
	if err != nil {
		m.onError(err)
		return failedResult("", "", err)
	}

	return m.router.Sell(ctx, signer, position.TokenMint, sellAmount, ExecOptions{
		SlippageBps:   m.cfg.SlippageBps,
		FeeUrgency:    m.cfg.FeeUrgency,
		UseRelay:      m.cfg.UseRelay,
		TurboTips:     m.cfg.TurboTips,
		SkipPreflight: true,
	})
}

// purgePosition handles the zero-balance invariant: cancel the orders and
// delete the position instead of attempting a sell.
func (m *Monitor) purgePosition(ctx context.Context, order *LimitOrder, position *Position) {
	m.log.Info("On-chain balance is zero, purging position", zap.Int64("position", position.ID))

	if err := m.store.CancelOrdersForPosition(ctx, position.ID); err != nil {
		m.onError(err)
	}
	if err := m.store.DeletePosition(ctx, position.ID); err != nil {
		m.onError(err)
	}
	metrics.IncPositionsPurged()

	m.publish(ctx, EventPositionPurged, order, position, nil)
	m.onOutcome(&OrderOutcome{Order: order, Position: position, Purged: true})
}

// settle waits for the trade to land in balances, then reconciles the
// position against the chain: delete at dust, otherwise persist the verified
// remainder.
func (m *Monitor) settle(ctx context.Context, order *LimitOrder, position *Position, balanceBefore uint64, result *ExecutionResult) {
	if !result.Success {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.SettleDelay):
	}

	remaining, _, err := m.balances.GetTokenBalance(ctx, position.WalletAddress, position.TokenMint)
	if err != nil {
		m.onError(err)
		return
	}

	if remaining <= m.cfg.DustRaw {
		if err := m.store.CancelOrdersForPosition(ctx, position.ID); err != nil {
			m.onError(err)
		}
		if err := m.store.DeletePosition(ctx, position.ID); err != nil {
			m.onError(err)
		}
		metrics.IncPositionsPurged()
	} else {
		updated := *position
		updated.Quantity = remaining
		if err := m.store.UpsertPosition(ctx, &updated); err != nil {
			m.onError(err)
		}
	}

	m.log.Debug("Position reconciled after liquidation",
		zap.Uint64("before", balanceBefore), zap.Uint64("after", remaining))
	m.publish(ctx, EventTradeSettled, order, position, result)
}

func (m *Monitor) recordTrade(ctx context.Context, order *LimitOrder, position *Position, result *ExecutionResult) {
	err := m.store.CreateTransactionRecord(ctx, &TransactionRecord{
		UserID:     position.UserID,
		TokenMint:  position.TokenMint,
		Side:       SideSell,
		Signature:  result.Signature,
		InAmount:   result.InAmount,
		OutAmount:  result.OutAmount,
		Venue:      result.Venue,
		Tier:       result.Tier,
		Success:    result.Success,
		Err:        result.Err,
		ExecutedAt: time.Now().UTC(),
	})
	if err != nil {
		m.onError(err)
	}
}

func (m *Monitor) publish(ctx context.Context, eventType string, order *LimitOrder, position *Position, result *ExecutionResult) {
	if m.events == nil {
		return
	}
	err := m.events.Publish(ctx, &EngineEvent{
		Type:      eventType,
		UserID:    position.UserID,
		OrderID:   order.ID,
		TokenMint: position.TokenMint,
		Result:    result,
		At:        time.Now().UTC(),
	})
	if err != nil {
		m.onError(err)
	}
}
