package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyontrade/engine/chainrpc"
	"github.com/halcyontrade/engine/metrics"
)

// BroadcastClient is one RPC node the executor can broadcast through.
type BroadcastClient interface {
	SendTransaction(ctx context.Context, base64Tx string, skipPreflight bool) (string, error)
	GetSignatureStatus(ctx context.Context, signature string) (*chainrpc.SignatureStatus, error)
	GetLatestBlockhash(ctx context.Context) (blockhash string, lastValidBlockHeight uint64, err error)
}

// BundleSubmitter is the private-relay tier.
type BundleSubmitter interface {
	TipAccount() string
	TipFor(ctx context.Context, notionalSOL decimal.Decimal, turbo bool) uint64
	SubmitBundleWithRetry(ctx context.Context, signedTxs []string) (bundleID, endpoint string, err error)
	WaitLanded(ctx context.Context, bundleID, signature string) error
}

// ExecOptions tune one trade. The monitor passes elevated slippage and
// urgency for forced liquidations; the executor itself has no idea why it
// was invoked.
type ExecOptions struct {
	SlippageBps   uint64
	FeeUrgency    int // 1-10
	UseRelay      bool
	TurboTips     bool
	SkipPreflight bool
}

const (
	directTierAttempts     = 2
	primaryConfirmTimeout  = 15 * time.Second
	fallbackConfirmTimeout = 30 * time.Second
	confirmPollInterval    = time.Second
)

// Executor maximizes the probability that a built transaction lands by
// walking submission tiers in order: primary RPC, private relay, fallback
// RPC. Tiers are strictly sequential; racing broadcasts of the same input
// risks two landed transactions.
type Executor struct {
	log      *zap.Logger
	primary  BroadcastClient
	fallback BroadcastClient
	relay    BundleSubmitter // nil disables the relay tier
	fees     *FeeEstimator
	retry    retryPolicy

	pollInterval    time.Duration
	primaryTimeout  time.Duration
	fallbackTimeout time.Duration
}

func NewExecutor(log *zap.Logger, primary, fallback BroadcastClient, relay BundleSubmitter, fees *FeeEstimator) *Executor {
	return &Executor{
		log:             log.With(zap.String("component", "executor")),
		primary:         primary,
		fallback:        fallback,
		relay:           relay,
		fees:            fees,
		retry:           newRetryPolicy(directTierAttempts, 300*time.Millisecond),
		pollInterval:    confirmPollInterval,
		primaryTimeout:  primaryConfirmTimeout,
		fallbackTimeout: fallbackConfirmTimeout,
	}
}

// ExecuteSwap drives a quote through build, sign, submit and confirmation.
// It returns the result of the first tier that confirms; when every tier is
// exhausted the failure embeds the last tier's error for diagnostics.
func (e *Executor) ExecuteSwap(ctx context.Context, venue VenueClient, signer Signer, quote *Quote, opts ExecOptions) *ExecutionResult {
	logger := e.log.With(zap.String("venue", venue.Name()), zap.String("in", quote.InMint), zap.String("out", quote.OutMint))

	notional := notionalSOL(quote)
	fee, err := e.fees.DynamicFee(ctx, notional, opts.FeeUrgency)
	if err != nil {
		logger.Warn("Dynamic fee unavailable, using defaults", zap.Error(err))
		fee = dynamicFeeFrom(&defaultFeeEstimate, notional, opts.FeeUrgency)
	}

	var lastErr error

	res, err := e.submitDirect(ctx, TierPrimaryRPC, e.primary, e.primaryTimeout, venue, signer, quote, fee, opts)
	if err == nil {
		return res
	}
	if errors.Is(err, ErrNoRoute) {
		return failedResult(venue.Name(), TierPrimaryRPC, err)
	}
	lastErr = err
	logger.Warn("Primary tier failed", zap.Error(err))

	if e.relay != nil && opts.UseRelay {
		res, err = e.submitRelay(ctx, venue, signer, quote, fee, notional, opts)
		if err == nil {
			return res
		}
		lastErr = err
		logger.Warn("Relay tier failed", zap.Error(err))
	}

	res, err = e.submitDirect(ctx, TierFallbackRPC, e.fallback, e.fallbackTimeout, venue, signer, quote, fee, opts)
	if err == nil {
		return res
	}
	if errors.Is(err, ErrNoRoute) {
		return failedResult(venue.Name(), TierFallbackRPC, err)
	}
	lastErr = err
	logger.Error("All submission tiers exhausted", zap.Error(lastErr))

	metrics.IncTradeExecuted(false)
	return failedResult(venue.Name(), TierFallbackRPC, fmt.Errorf("%w: %v", ErrAllTiersFailed, lastErr))
}

// submitDirect runs one broadcast tier: fresh material per attempt, bounded
// retries, then confirmation by signature-status polling. A blocking
// wait-for-confirmation tied to a blockhash can spuriously report expiry
// after the transaction has landed, so polling is deliberate here.
func (e *Executor) submitDirect(ctx context.Context, tier Tier, client BroadcastClient, confirmTimeout time.Duration, venue VenueClient, signer Signer, quote *Quote, fee uint64, opts ExecOptions) (*ExecutionResult, error) {
	metrics.IncTierAttempt(string(tier))

	var signature string
	var used *Quote
	err := e.retry.retry(ctx, func() error {
		q, err := e.freshQuote(ctx, venue, quote)
		if err != nil {
			if errors.Is(err, ErrNoRoute) {
				return permanent(err)
			}
			return err
		}
		used = q

		material, err := venue.Build(ctx, q, signer.PublicKey(), fee)
		if err != nil {
			if errors.Is(err, ErrNoRoute) {
				return permanent(err)
			}
			return err
		}

		signedTx, sig, err := signer.SignTransaction(ctx, material.Base64Tx)
		if err != nil {
			return permanent(err)
		}

		sentSig, err := client.SendTransaction(ctx, signedTx, opts.SkipPreflight)
		if err != nil {
			return err
		}
		if sentSig != "" {
			sig = sentSig
		}
		signature = sig
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.pollConfirmation(ctx, client, signature, confirmTimeout); err != nil {
		return nil, err
	}

	metrics.IncTierConfirmed(string(tier))
	metrics.IncTradeExecuted(true)
	return &ExecutionResult{
		Success:        true,
		Signature:      signature,
		InAmount:       used.InAmount,
		OutAmount:      used.OutAmount,
		PriceImpactPct: used.PriceImpactPct,
		Venue:          venue.Name(),
		Tier:           tier,
	}, nil
}

func (e *Executor) submitRelay(ctx context.Context, venue VenueClient, signer Signer, quote *Quote, fee uint64, notional decimal.Decimal, opts ExecOptions) (*ExecutionResult, error) {
	metrics.IncTierAttempt(string(TierRelay))

	q, err := e.freshQuote(ctx, venue, quote)
	if err != nil {
		return nil, err
	}

	material, err := venue.Build(ctx, q, signer.PublicKey(), fee)
	if err != nil {
		return nil, err
	}
	signedTx, signature, err := signer.SignTransaction(ctx, material.Base64Tx)
	if err != nil {
		return nil, err
	}

	// tip transfer gets its own fresh blockhash per attempt; a dead primary
	// already failed tier one, so fall through to the fallback node for it
	blockhash, _, err := e.primary.GetLatestBlockhash(ctx)
	if err != nil {
		blockhash, _, err = e.fallback.GetLatestBlockhash(ctx)
		if err != nil {
			return nil, err
		}
	}
	tip := e.relay.TipFor(ctx, notional, opts.TurboTips)
	tipTx, _, err := signer.SignTransfer(ctx, e.relay.TipAccount(), tip, blockhash)
	if err != nil {
		return nil, err
	}

	bundleID, endpoint, err := e.relay.SubmitBundleWithRetry(ctx, []string{signedTx, tipTx})
	if err != nil {
		return nil, err
	}
	e.log.Debug("Bundle accepted", zap.String("endpoint", endpoint), zap.String("bundle", bundleID))

	if err := e.relay.WaitLanded(ctx, bundleID, signature); err != nil {
		return nil, err
	}

	metrics.IncTierConfirmed(string(TierRelay))
	metrics.IncTradeExecuted(true)
	return &ExecutionResult{
		Success:        true,
		Signature:      signature,
		InAmount:       q.InAmount,
		OutAmount:      q.OutAmount,
		PriceImpactPct: q.PriceImpactPct,
		Venue:          venue.Name(),
		Tier:           TierRelay,
	}, nil
}

// freshQuote reuses the caller's quote while it is young enough and
// re-quotes otherwise.
func (e *Executor) freshQuote(ctx context.Context, venue VenueClient, quote *Quote) (*Quote, error) {
	if !quote.Expired(quoteMaxAge) {
		return quote, nil
	}
	return venue.Quote(ctx, quote.InMint, quote.OutMint, quote.InAmount, quote.SlippageBps)
}

func (e *Executor) pollConfirmation(ctx context.Context, client BroadcastClient, signature string, timeout time.Duration) error {
	start := time.Now()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := client.GetSignatureStatus(ctx, signature)
		if err != nil {
			e.log.Debug("Signature status poll failed", zap.Error(err))
			continue
		}
		if status == nil {
			continue
		}
		if status.Failed() {
			return fmt.Errorf("transaction reverted on-chain: %v", status.Err)
		}
		if status.Confirmed() {
			metrics.RecordConfirmationPollDuration(time.Since(start).Milliseconds())
			return nil
		}
	}
	return fmt.Errorf("confirmation timeout after %s for %s", timeout, signature)
}

// notionalSOL derives the trade's base-asset size from whichever quote leg
// is the native mint.
func notionalSOL(q *Quote) decimal.Decimal {
	lamports := q.InAmount
	if q.OutMint == NativeMint {
		lamports = q.OutAmount
	}
	return decimal.New(int64(lamports), 0).Div(decimal.NewFromInt(LamportsPerSol))
}
