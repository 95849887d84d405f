package trade

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Native mint of the chain's base asset. Buys are quoted from it, sells into it.
const NativeMint = "So11111111111111111111111111111111111111112"

const LamportsPerSol = 1_000_000_000

var (
	ErrNoRoute          = errors.New("no swap route for token")
	ErrQuoteExpired     = errors.New("quote expired")
	ErrSimulationFailed = errors.New("transaction simulation failed")
	ErrAllTiersFailed   = errors.New("all submission tiers failed")
	ErrUnknownToken     = errors.New("token metadata unavailable")
	ErrZeroBalance      = errors.New("on-chain balance is zero")
)

// Tier identifies the submission path that produced an execution result.
type Tier string

const (
	TierPrimaryRPC  Tier = "primary_rpc"
	TierRelay       Tier = "private_relay"
	TierFallbackRPC Tier = "fallback_rpc"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Quote is an immutable venue quote. It is only good for a few seconds:
// past quoteMaxAge the executor throws it away and re-quotes.
type Quote struct {
	InMint         string
	OutMint        string
	InAmount       uint64
	OutAmount      uint64
	MinOutAmount   uint64 // slippage floor, the venue reverts below this
	SlippageBps    uint64
	PriceImpactPct decimal.Decimal
	Venue          string
	Route          string
	FetchedAt      time.Time

	// raw venue quote payload, passed back verbatim on build
	raw []byte
}

func (q *Quote) Expired(maxAge time.Duration) bool {
	return time.Since(q.FetchedAt) > maxAge
}

// TxMaterial is a built, not yet signed transaction. It is owned by the
// executor for the duration of one submission attempt and never persisted.
type TxMaterial struct {
	Base64Tx             string
	LastValidBlockHeight uint64
}

// ExecutionResult is the only artifact trade callers receive. It carries
// enough to update a position and write a transaction record without any
// venue-specific knowledge.
type ExecutionResult struct {
	Success        bool
	Signature      string
	Err            string
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct decimal.Decimal
	Venue          string
	Tier           Tier
	Token          *TokenInfo
}

func failedResult(venue string, tier Tier, err error) *ExecutionResult {
	return &ExecutionResult{Success: false, Venue: venue, Tier: tier, Err: err.Error()}
}

// TokenInfo is venue metadata for a token as reported by the price provider.
// A nil TokenInfo means "unknown", never "worthless".
type TokenInfo struct {
	Mint         string
	Symbol       string
	Name         string
	Decimals     uint8
	PriceUSD     decimal.Decimal
	LiquidityUSD decimal.Decimal
	IsLaunchpad  bool // token was created on a bonding-curve launchpad
	CurveActive  bool // still trading on its bonding curve, not yet migrated
	FetchedAt    time.Time
}

// FeeEstimate is a read-only snapshot of priority-fee percentiles in
// micro-lamports per compute unit. Replaced wholesale on refresh.
type FeeEstimate struct {
	Min      uint64 // p25
	Low      uint64 // p50
	Medium   uint64 // p75
	High     uint64 // p90
	VeryHigh uint64 // p99
	Taken    time.Time
}

// Levels returns the five percentiles in ascending cost order.
func (f *FeeEstimate) Levels() [5]uint64 {
	return [5]uint64{f.Min, f.Low, f.Medium, f.High, f.VeryHigh}
}

type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderTriggered OrderStatus = "triggered"
	OrderCancelled OrderStatus = "cancelled"
)

type OrderKind string

const (
	OrderStopLoss   OrderKind = "stop_loss"
	OrderTakeProfit OrderKind = "take_profit"
)

// LimitOrder is a single-trigger full or partial liquidation order. Once it
// leaves the active state it is never resurrected.
type LimitOrder struct {
	ID           int64
	PositionID   int64
	UserID       int64
	TokenMint    string
	Kind         OrderKind
	TriggerPrice decimal.Decimal // USD
	SellPct      int             // 1-100
	Status       OrderStatus
	CreatedAt    time.Time
}

// Position quantity is a hint only. Before acting on a position the monitor
// always re-reads the true on-chain balance.
type Position struct {
	ID               int64
	UserID           int64
	WalletAddress    string
	TokenMint        string
	Quantity         uint64 // raw token units
	Decimals         uint8
	EntryPriceUSD    decimal.Decimal
	EntryCostLamport uint64
	UpdatedAt        time.Time
}

// TransactionRecord is the persisted footprint of one executed trade.
type TransactionRecord struct {
	UserID     int64
	TokenMint  string
	Side       Side
	Signature  string
	InAmount   uint64
	OutAmount  uint64
	Venue      string
	Tier       Tier
	Success    bool
	Err        string
	ExecutedAt time.Time
}
