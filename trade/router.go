package trade

import (
	"context"

	"go.uber.org/zap"
)

// Router decides which venue fills an order for a given token and presents
// one uniform buy/sell surface regardless of venue. It is stateless beyond
// the token-info cache it shares with the price provider.
type Router struct {
	log         *zap.Logger
	tokens      TokenInfoProvider
	aggregator  VenueClient
	curve       VenueClient
	executor    *Executor
	preferCurve bool
}

func NewRouter(log *zap.Logger, tokens TokenInfoProvider, aggregator, curve VenueClient, executor *Executor, preferCurve bool) *Router {
	return &Router{
		log:         log.With(zap.String("component", "router")),
		tokens:      tokens,
		aggregator:  aggregator,
		curve:       curve,
		executor:    executor,
		preferCurve: preferCurve,
	}
}

// SelectVenue routes launchpad tokens to the bonding-curve venue while the
// curve is live (or when a curve preference is configured) and everything
// else to the aggregator. On metadata failure it defaults to the aggregator,
// the venue with deeper historical liquidity.
func (r *Router) SelectVenue(ctx context.Context, mint string) (VenueClient, *TokenInfo) {
	info, err := r.tokens.TokenInfo(ctx, mint)
	if err != nil || info == nil {
		if err != nil {
			r.log.Warn("Token metadata lookup failed, defaulting to aggregator", zap.String("mint", mint), zap.Error(err))
		}
		return r.aggregator, nil
	}
	if info.IsLaunchpad && (info.CurveActive || r.preferCurve) {
		return r.curve, info
	}
	return r.aggregator, info
}

// Buy swaps native currency into the token.
func (r *Router) Buy(ctx context.Context, signer Signer, mint string, lamports uint64, opts ExecOptions) *ExecutionResult {
	venue, info := r.SelectVenue(ctx, mint)

	quote, err := venue.Quote(ctx, NativeMint, mint, lamports, opts.SlippageBps)
	if err != nil {
		res := failedResult(venue.Name(), "", err)
		res.Token = info
		return res
	}

	res := r.executor.ExecuteSwap(ctx, venue, signer, quote, opts)
	res.Token = info
	return res
}

// Sell swaps raw token units back into native currency.
func (r *Router) Sell(ctx context.Context, signer Signer, mint string, amount uint64, opts ExecOptions) *ExecutionResult {
	venue, info := r.SelectVenue(ctx, mint)

	quote, err := venue.Quote(ctx, mint, NativeMint, amount, opts.SlippageBps)
	if err != nil {
		res := failedResult(venue.Name(), "", err)
		res.Token = info
		return res
	}

	res := r.executor.ExecuteSwap(ctx, venue, signer, quote, opts)
	res.Token = info
	return res
}
