package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const AggregatorVenueName = "aggregator"

// AggregatorClient fills trades through a general swap aggregator. It is the
// default venue: deepest liquidity and routes across every major pool.
type AggregatorClient struct {
	venueHTTP
	baseURL string
}

func NewAggregatorClient(log *zap.Logger, baseURL string) *AggregatorClient {
	return &AggregatorClient{
		venueHTTP: newVenueHTTP(log.With(zap.String("venue", AggregatorVenueName))),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

func (c *AggregatorClient) Name() string { return AggregatorVenueName }

type aggregatorQuoteResponse struct {
	InputMint      string `json:"inputMint"`
	OutputMint     string `json:"outputMint"`
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	OtherAmount    string `json:"otherAmountThreshold"`
	PriceImpactPct string `json:"priceImpactPct"`
	RoutePlan      []struct {
		SwapInfo struct {
			Label string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
}

func (c *AggregatorClient) Quote(ctx context.Context, inMint, outMint string, amount uint64, slippageBps uint64) (*Quote, error) {
	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		c.baseURL, inMint, outMint, amount, slippageBps)

	var raw json.RawMessage
	if err := c.getJSON(ctx, url, &raw); err != nil {
		return nil, err
	}
	var res aggregatorQuoteResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	if len(res.RoutePlan) == 0 {
		return nil, ErrNoRoute
	}

	outAmount, err := strconv.ParseUint(res.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad outAmount %q: %w", res.OutAmount, err)
	}
	minOut, err := strconv.ParseUint(res.OtherAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad otherAmountThreshold %q: %w", res.OtherAmount, err)
	}
	impact, _ := decimal.NewFromString(res.PriceImpactPct)

	hops := make([]string, 0, len(res.RoutePlan))
	for _, hop := range res.RoutePlan {
		hops = append(hops, hop.SwapInfo.Label)
	}

	return &Quote{
		InMint:         inMint,
		OutMint:        outMint,
		InAmount:       amount,
		OutAmount:      outAmount,
		MinOutAmount:   minOut,
		SlippageBps:    slippageBps,
		PriceImpactPct: impact,
		Venue:          AggregatorVenueName,
		Route:          strings.Join(hops, ">"),
		FetchedAt:      time.Now(),
		raw:            raw,
	}, nil
}

type aggregatorSwapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	PrioritizationFeeLamports struct {
		PriorityLevelWithMaxLamports struct {
			PriorityLevel string `json:"priorityLevel"`
			MaxLamports   uint64 `json:"maxLamports"`
		} `json:"priorityLevelWithMaxLamports"`
	} `json:"prioritizationFeeLamports"`
}

type aggregatorSwapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

func (c *AggregatorClient) Build(ctx context.Context, quote *Quote, signerPubkey string, priorityFee uint64) (*TxMaterial, error) {
	if quote.Expired(quoteMaxAge) {
		return nil, ErrQuoteExpired
	}

	req := aggregatorSwapRequest{
		QuoteResponse:    quote.raw,
		UserPublicKey:    signerPubkey,
		WrapAndUnwrapSol: true,
	}
	req.PrioritizationFeeLamports.PriorityLevelWithMaxLamports.PriorityLevel = "high"
	req.PrioritizationFeeLamports.PriorityLevelWithMaxLamports.MaxLamports = priorityFee

	var res aggregatorSwapResponse
	if err := c.postJSON(ctx, c.baseURL+"/swap", req, &res); err != nil {
		return nil, err
	}
	if res.SwapTransaction == "" {
		return nil, fmt.Errorf("aggregator returned empty transaction")
	}
	return &TxMaterial{
		Base64Tx:             res.SwapTransaction,
		LastValidBlockHeight: res.LastValidBlockHeight,
	}, nil
}
