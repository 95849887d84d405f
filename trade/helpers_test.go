package trade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyontrade/engine/chainrpc"
)

// stubVenue echoes quotes and hands out canned material.
type stubVenue struct {
	name      string
	outAmount uint64
	quoteErr  error
	buildErr  error

	mu         sync.Mutex
	quoteCalls int
	buildCalls int
}

func (v *stubVenue) Name() string { return v.name }

func (v *stubVenue) Quote(_ context.Context, inMint, outMint string, amount uint64, slippageBps uint64) (*Quote, error) {
	v.mu.Lock()
	v.quoteCalls++
	v.mu.Unlock()
	if v.quoteErr != nil {
		return nil, v.quoteErr
	}
	out := v.outAmount
	if out == 0 {
		out = amount * 2
	}
	return &Quote{
		InMint:       inMint,
		OutMint:      outMint,
		InAmount:     amount,
		OutAmount:    out,
		MinOutAmount: out - out*slippageBps/10_000,
		SlippageBps:  slippageBps,
		Venue:        v.name,
		FetchedAt:    time.Now(),
	}, nil
}

func (v *stubVenue) Build(_ context.Context, q *Quote, _ string, _ uint64) (*TxMaterial, error) {
	v.mu.Lock()
	v.buildCalls++
	v.mu.Unlock()
	if v.buildErr != nil {
		return nil, v.buildErr
	}
	if q.Expired(quoteMaxAge) {
		return nil, ErrQuoteExpired
	}
	return &TxMaterial{Base64Tx: "dW5zaWduZWQ=", LastValidBlockHeight: 1000}, nil
}

// stubSigner signs by decoration, no chain crypto involved.
type stubSigner struct{ pubkey string }

func (s stubSigner) PublicKey() string { return s.pubkey }

func (s stubSigner) SignTransaction(_ context.Context, tx string) (string, string, error) {
	return "signed:" + tx, "sig-" + s.pubkey, nil
}

func (s stubSigner) SignTransfer(_ context.Context, to string, lamports uint64, _ string) (string, string, error) {
	return fmt.Sprintf("tip:%s:%d", to, lamports), "tipsig-" + s.pubkey, nil
}

type stubSignerProvider struct{ pubkey string }

func (p stubSignerProvider) SignerFor(context.Context, int64) (Signer, error) {
	return stubSigner{pubkey: p.pubkey}, nil
}

// stubBroadcast records submission order and confirms immediately unless
// told to fail.
type stubBroadcast struct {
	url          string
	sendErr      error
	blockhashErr error

	mu    sync.Mutex
	sends []string
	order *[]string
}

func (c *stubBroadcast) SendTransaction(_ context.Context, tx string, _ bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.order != nil {
		*c.order = append(*c.order, c.url)
	}
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sends = append(c.sends, tx)
	return fmt.Sprintf("sig-%s-%d", c.url, len(c.sends)), nil
}

func (c *stubBroadcast) GetSignatureStatus(context.Context, string) (*chainrpc.SignatureStatus, error) {
	return &chainrpc.SignatureStatus{ConfirmationStatus: "confirmed"}, nil
}

func (c *stubBroadcast) GetLatestBlockhash(context.Context) (string, uint64, error) {
	if c.blockhashErr != nil {
		return "", 0, c.blockhashErr
	}
	return "FwRYtTPRk5N4wUeP87rTw9kQVSwigB6kbikGzzeCMrW5", 1000, nil
}

// stubRelay records bundle submissions.
type stubRelay struct {
	submitErr error
	landErr   error

	mu      sync.Mutex
	bundles [][]string
	order   *[]string
}

func (r *stubRelay) TipAccount() string { return "TipAccount1111111111111111111111111111111111" }

func (r *stubRelay) TipFor(context.Context, decimal.Decimal, bool) uint64 { return 100_000 }

func (r *stubRelay) SubmitBundleWithRetry(_ context.Context, txs []string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.order != nil {
		*r.order = append(*r.order, "relay")
	}
	if r.submitErr != nil {
		return "", "", r.submitErr
	}
	r.bundles = append(r.bundles, txs)
	return "bundle-1", "stub", nil
}

func (r *stubRelay) WaitLanded(context.Context, string, string) error { return r.landErr }

func testExecutor(primary, fallback BroadcastClient, relay BundleSubmitter) *Executor {
	e := NewExecutor(zap.NewNop(), primary, fallback, relay, testFeeEstimator())
	e.pollInterval = 5 * time.Millisecond
	e.primaryTimeout = 200 * time.Millisecond
	e.fallbackTimeout = 200 * time.Millisecond
	return e
}

func testFeeEstimator() *FeeEstimator {
	return NewFeeEstimator(zap.NewNop(), stubFeeSource{}, "")
}

type stubFeeSource struct{ sample []uint64 }

func (s stubFeeSource) GetRecentPrioritizationFees(context.Context, []string) ([]uint64, error) {
	return s.sample, nil
}
