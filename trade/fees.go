package trade

import (
	"context"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

const (
	feeCacheTTL = 10 * time.Second
	feeCacheKey = "estimate"

	// FeeHardCap bounds the worst-case priority-fee spend per transaction,
	// in micro-lamports per compute unit.
	FeeHardCap = 10_000_000
)

// Conservative levels used when the node returns an empty fee sample.
var defaultFeeEstimate = FeeEstimate{
	Min:      1_000,
	Low:      10_000,
	Medium:   50_000,
	High:     100_000,
	VeryHigh: 500_000,
}

// ChainFeeSource exposes the node's recent per-slot fee sample.
type ChainFeeSource interface {
	GetRecentPrioritizationFees(ctx context.Context, accounts []string) ([]uint64, error)
}

// FeeEstimator produces priority-fee estimates from network telemetry.
// The congestion-aware estimation endpoint is optional; when it is absent or
// failing the estimator falls back to percentiles over the node's raw sample.
type FeeEstimator struct {
	log     *zap.Logger
	chain   ChainFeeSource
	primary jsonrpc.RPCClient // optional, nil disables
	cache   *gocache.Cache
}

func NewFeeEstimator(log *zap.Logger, chain ChainFeeSource, estimationURL string) *FeeEstimator {
	e := &FeeEstimator{
		log:   log.With(zap.String("component", "fees")),
		chain: chain,
		cache: gocache.New(feeCacheTTL, time.Minute),
	}
	if estimationURL != "" {
		e.primary = jsonrpc.NewClient(estimationURL)
	}
	return e
}

// Estimate returns the current fee percentile snapshot. Estimates are shared
// across all trades for feeCacheTTL; forceRefresh bypasses the cache.
func (e *FeeEstimator) Estimate(ctx context.Context, accounts []string, forceRefresh bool) (*FeeEstimate, error) {
	if !forceRefresh {
		if v, ok := e.cache.Get(feeCacheKey); ok {
			//nolint:forcetypeassert
			return v.(*FeeEstimate), nil
		}
	}

	est := e.fromPrimary(ctx, accounts)
	if est == nil {
		est = e.fromSample(ctx, accounts)
	}
	est.Taken = time.Now()
	e.cache.Set(feeCacheKey, est, feeCacheTTL)
	return est, nil
}

type priorityFeeLevelsResponse struct {
	PriorityFeeLevels struct {
		Min      float64 `json:"min"`
		Low      float64 `json:"low"`
		Medium   float64 `json:"medium"`
		High     float64 `json:"high"`
		VeryHigh float64 `json:"veryHigh"`
	} `json:"priorityFeeLevels"`
}

type priorityFeeEstimateArgs struct {
	AccountKeys []string `json:"accountKeys,omitempty"`
	Options     struct {
		IncludeAllPriorityFeeLevels bool `json:"includeAllPriorityFeeLevels"`
	} `json:"options"`
}

func (e *FeeEstimator) fromPrimary(ctx context.Context, accounts []string) *FeeEstimate {
	if e.primary == nil {
		return nil
	}
	args := priorityFeeEstimateArgs{AccountKeys: accounts}
	args.Options.IncludeAllPriorityFeeLevels = true

	var res priorityFeeLevelsResponse
	err := e.primary.CallFor(ctx, &res, "getPriorityFeeEstimate", args)
	if err != nil {
		e.log.Debug("Congestion fee estimate unavailable, falling back to node sample", zap.Error(err))
		return nil
	}
	l := res.PriorityFeeLevels
	return &FeeEstimate{
		Min:      uint64(l.Min),
		Low:      uint64(l.Low),
		Medium:   uint64(l.Medium),
		High:     uint64(l.High),
		VeryHigh: uint64(l.VeryHigh),
	}
}

func (e *FeeEstimator) fromSample(ctx context.Context, accounts []string) *FeeEstimate {
	sample, err := e.chain.GetRecentPrioritizationFees(ctx, accounts)
	if err != nil || len(sample) == 0 {
		if err != nil {
			e.log.Warn("Failed to fetch fee sample, using defaults", zap.Error(err))
		}
		est := defaultFeeEstimate
		return &est
	}

	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	return &FeeEstimate{
		Min:      percentile(sample, 25),
		Low:      percentile(sample, 50),
		Medium:   percentile(sample, 75),
		High:     percentile(sample, 90),
		VeryHigh: percentile(sample, 99),
	}
}

// percentile assumes sample is sorted ascending.
func percentile(sample []uint64, p int) uint64 {
	if len(sample) == 0 {
		return 0
	}
	idx := (len(sample) - 1) * p / 100
	return sample[idx]
}

// Multiplier bands by trade notional in SOL. Larger trades are more
// attractive front-running targets, so they pay up non-linearly.
var notionalFeeBands = []struct {
	minSOL     decimal.Decimal
	multiplier decimal.Decimal
}{
	{decimal.NewFromInt(10), decimal.NewFromFloat(3.0)},
	{decimal.NewFromInt(5), decimal.NewFromFloat(2.25)},
	{decimal.NewFromInt(1), decimal.NewFromFloat(1.5)},
	{decimal.NewFromFloat(0.1), decimal.NewFromFloat(1.2)},
}

// DynamicFee maps urgency (1-10) onto the estimate's percentile ladder and
// scales the result for trade size, capped at FeeHardCap.
func (e *FeeEstimator) DynamicFee(ctx context.Context, notionalSOL decimal.Decimal, urgency int) (uint64, error) {
	est, err := e.Estimate(ctx, nil, false)
	if err != nil {
		return 0, err
	}
	return dynamicFeeFrom(est, notionalSOL, urgency), nil
}

func dynamicFeeFrom(est *FeeEstimate, notionalSOL decimal.Decimal, urgency int) uint64 {
	if urgency < 1 {
		urgency = 1
	}
	if urgency > 10 {
		urgency = 10
	}
	levels := est.Levels()
	base := levels[(urgency-1)/2]

	fee := decimal.NewFromInt(int64(base))
	for _, band := range notionalFeeBands {
		if notionalSOL.GreaterThanOrEqual(band.minSOL) {
			fee = fee.Mul(band.multiplier)
			break
		}
	}

	capped := fee.Round(0).IntPart()
	if capped > FeeHardCap {
		return FeeHardCap
	}
	if capped < 0 {
		return 0
	}
	return uint64(capped)
}
