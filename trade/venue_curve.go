package trade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const CurveVenueName = "bonding_curve"

// CurveClient fills trades against a launchpad bonding curve, for tokens that
// have not migrated to a conventional pool yet.
type CurveClient struct {
	venueHTTP
	baseURL string
}

func NewCurveClient(log *zap.Logger, baseURL string) *CurveClient {
	return &CurveClient{
		venueHTTP: newVenueHTTP(log.With(zap.String("venue", CurveVenueName))),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

func (c *CurveClient) Name() string { return CurveVenueName }

type curveQuoteResponse struct {
	OutAmount      uint64 `json:"outAmount"`
	MinOutAmount   uint64 `json:"minOutAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	Complete       bool   `json:"complete"` // curve completed, token migrated
}

func (c *CurveClient) Quote(ctx context.Context, inMint, outMint string, amount uint64, slippageBps uint64) (*Quote, error) {
	mint, side := outMint, "buy"
	if outMint == NativeMint {
		mint, side = inMint, "sell"
	}
	url := fmt.Sprintf("%s/quote?mint=%s&side=%s&amount=%d&slippageBps=%d",
		c.baseURL, mint, side, amount, slippageBps)

	var res curveQuoteResponse
	if err := c.getJSON(ctx, url, &res); err != nil {
		return nil, err
	}
	if res.Complete {
		// curve is done, this venue can no longer fill the token
		return nil, ErrNoRoute
	}
	impact, _ := decimal.NewFromString(res.PriceImpactPct)

	return &Quote{
		InMint:         inMint,
		OutMint:        outMint,
		InAmount:       amount,
		OutAmount:      res.OutAmount,
		MinOutAmount:   res.MinOutAmount,
		SlippageBps:    slippageBps,
		PriceImpactPct: impact,
		Venue:          CurveVenueName,
		Route:          "bonding-curve",
		FetchedAt:      time.Now(),
	}, nil
}

type curveBuildRequest struct {
	PublicKey    string `json:"publicKey"`
	Action       string `json:"action"`
	Mint         string `json:"mint"`
	Amount       uint64 `json:"amount"`
	SlippageBps  uint64 `json:"slippageBps"`
	PriorityFee  uint64 `json:"priorityFee"`
	MinOutAmount uint64 `json:"minOutAmount"`
}

type curveBuildResponse struct {
	Transaction          string `json:"transaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

func (c *CurveClient) Build(ctx context.Context, quote *Quote, signerPubkey string, priorityFee uint64) (*TxMaterial, error) {
	if quote.Expired(quoteMaxAge) {
		return nil, ErrQuoteExpired
	}

	req := curveBuildRequest{
		PublicKey:    signerPubkey,
		Action:       "buy",
		Mint:         quote.OutMint,
		Amount:       quote.InAmount,
		SlippageBps:  quote.SlippageBps,
		PriorityFee:  priorityFee,
		MinOutAmount: quote.MinOutAmount,
	}
	if quote.OutMint == NativeMint {
		req.Action = "sell"
		req.Mint = quote.InMint
	}

	var res curveBuildResponse
	if err := c.postJSON(ctx, c.baseURL+"/tx", req, &res); err != nil {
		return nil, err
	}
	if res.Transaction == "" {
		return nil, fmt.Errorf("curve venue returned empty transaction")
	}
	return &TxMaterial{
		Base64Tx:             res.Transaction,
		LastValidBlockHeight: res.LastValidBlockHeight,
	}, nil
}
