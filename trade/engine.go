package trade

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TradeRouter is the venue-selection surface the engine drives.
// *Router implements it.
type TradeRouter interface {
	Buy(ctx context.Context, signer Signer, mint string, lamports uint64, opts ExecOptions) *ExecutionResult
	Sell(ctx context.Context, signer Signer, mint string, amount uint64, opts ExecOptions) *ExecutionResult
}

// Engine is the façade the control surface talks to. It wires user intents
// through the router and executor and persists their footprints.
type Engine struct {
	log     *zap.Logger
	store   Store
	router  TradeRouter
	signers SignerProvider
}

func NewEngine(log *zap.Logger, store Store, router TradeRouter, signers SignerProvider) *Engine {
	return &Engine{
		log:     log.With(zap.String("component", "engine")),
		store:   store,
		router:  router,
		signers: signers,
	}
}

// Buy swaps lamports of native currency into the token for the user.
func (e *Engine) Buy(ctx context.Context, userID int64, mint string, lamports uint64, opts ExecOptions) (*ExecutionResult, error) {
	signer, err := e.signers.SignerFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := e.router.Buy(ctx, signer, mint, lamports, opts)
	e.record(ctx, userID, mint, SideBuy, res)
	return res, nil
}

// Sell swaps raw token units back into native currency for the user.
func (e *Engine) Sell(ctx context.Context, userID int64, mint string, amount uint64, opts ExecOptions) (*ExecutionResult, error) {
	signer, err := e.signers.SignerFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := e.router.Sell(ctx, signer, mint, amount, opts)
	e.record(ctx, userID, mint, SideSell, res)
	return res, nil
}

// CancelOrder is idempotent: cancelling an order that is already inactive or
// gone is a no-op, never an error. This resolves the race where the monitor
// triggers an order while the user cancels it.
func (e *Engine) CancelOrder(ctx context.Context, orderID int64) error {
	return e.store.UpdateOrderStatus(ctx, orderID, OrderCancelled)
}

func (e *Engine) record(ctx context.Context, userID int64, mint string, side Side, res *ExecutionResult) {
	err := e.store.CreateTransactionRecord(ctx, &TransactionRecord{
		UserID:     userID,
		TokenMint:  mint,
		Side:       side,
		Signature:  res.Signature,
		InAmount:   res.InAmount,
		OutAmount:  res.OutAmount,
		Venue:      res.Venue,
		Tier:       res.Tier,
		Success:    res.Success,
		Err:        res.Err,
		ExecutedAt: time.Now().UTC(),
	})
	if err != nil {
		e.log.Error("Failed to write transaction record", zap.Error(err))
	}
}
