package trade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// quoteMaxAge is how long a quote may be reused before the executor must
// re-quote. Stale quotes risk avoidable reverts.
const quoteMaxAge = 3 * time.Second

const venueHTTPTimeout = 6 * time.Second

// VenueClient is the capability both liquidity venues implement. The router
// picks one per trade; the executor drives it through quote and build, then
// owns submission.
type VenueClient interface {
	Name() string
	// Quote returns an immutable quote whose MinOutAmount is a floor: the
	// venue guarantees the trade reverts rather than filling below it.
	Quote(ctx context.Context, inMint, outMint string, amount uint64, slippageBps uint64) (*Quote, error)
	// Build turns a fresh quote into unsigned transaction material bound to
	// a recent blockhash. priorityFee is in micro-lamports per compute unit.
	Build(ctx context.Context, quote *Quote, signerPubkey string, priorityFee uint64) (*TxMaterial, error)
}

type venueHTTP struct {
	log   *zap.Logger
	http  *http.Client
	retry retryPolicy
}

func newVenueHTTP(log *zap.Logger) venueHTTP {
	return venueHTTP{
		log:   log,
		http:  &http.Client{Timeout: venueHTTPTimeout},
		retry: newRetryPolicy(2, 200*time.Millisecond),
	}
}

// getJSON fetches url and decodes the body into out, retrying transient
// failures. 404 maps to ErrNoRoute and is not retried.
func (v venueHTTP) getJSON(ctx context.Context, url string, out any) error {
	return v.retry.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return permanent(err)
		}
		return v.do(req, out)
	})
}

func (v venueHTTP) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return v.retry.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		return v.do(req, out)
	})
}

func (v venueHTTP) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := v.http.Do(req)
	if err != nil {
		v.log.Warn("Venue request failed", zap.String("url", req.URL.Path), zap.Error(err))
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return permanent(ErrNoRoute)
	case resp.StatusCode >= 500:
		v.log.Warn("Venue server error", zap.String("url", req.URL.Path), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("venue status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return permanent(fmt.Errorf("venue rejected request: %d %s", resp.StatusCode, string(body)))
	}

	v.log.Debug("Venue request", zap.String("url", req.URL.Path), zap.Duration("duration", time.Since(start)))
	return json.NewDecoder(resp.Body).Decode(out)
}
