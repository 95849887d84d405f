package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	tokenMint = "TokenBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	signerKey = "SignerCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"
)

func TestAggregatorQuoteParsesRoute(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, NativeMint, q.Get("inputMint"))
		assert.Equal(t, tokenMint, q.Get("outputMint"))
		assert.Equal(t, "1000000", q.Get("amount"))
		assert.Equal(t, "100", q.Get("slippageBps"))

		_, _ = w.Write([]byte(`{
			"inputMint": "` + NativeMint + `",
			"outputMint": "` + tokenMint + `",
			"inAmount": "1000000",
			"outAmount": "5000000",
			"otherAmountThreshold": "4950000",
			"priceImpactPct": "0.12",
			"routePlan": [
				{"swapInfo": {"label": "PoolA"}},
				{"swapInfo": {"label": "PoolB"}}
			]
		}`))
	}))
	defer s.Close()

	c := NewAggregatorClient(zap.NewNop(), s.URL)
	q, err := c.Quote(context.Background(), NativeMint, tokenMint, 1_000_000, 100)
	require.NoError(t, err)

	assert.Equal(t, uint64(5_000_000), q.OutAmount)
	assert.Equal(t, uint64(4_950_000), q.MinOutAmount)
	assert.Equal(t, "0.12", q.PriceImpactPct.String())
	assert.Equal(t, "PoolA>PoolB", q.Route)
	assert.Equal(t, AggregatorVenueName, q.Venue)
}

func TestAggregatorQuoteNoRouteOn404(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer s.Close()

	c := NewAggregatorClient(zap.NewNop(), s.URL)
	_, err := c.Quote(context.Background(), NativeMint, tokenMint, 1_000_000, 100)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestAggregatorQuoteNoRouteOnEmptyPlan(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"outAmount": "0", "otherAmountThreshold": "0", "routePlan": []}`))
	}))
	defer s.Close()

	c := NewAggregatorClient(zap.NewNop(), s.URL)
	_, err := c.Quote(context.Background(), NativeMint, tokenMint, 1_000_000, 100)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestAggregatorBuildForwardsQuotePayload(t *testing.T) {
	var swapReq map[string]json.RawMessage
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			_, _ = w.Write([]byte(`{
				"inAmount": "1000000", "outAmount": "5000000",
				"otherAmountThreshold": "4950000", "priceImpactPct": "0",
				"routePlan": [{"swapInfo": {"label": "PoolA"}}]
			}`))
		case "/swap":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&swapReq))
			_, _ = w.Write([]byte(`{"swapTransaction": "c3dhcHR4", "lastValidBlockHeight": 4242}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer s.Close()

	c := NewAggregatorClient(zap.NewNop(), s.URL)
	q, err := c.Quote(context.Background(), NativeMint, tokenMint, 1_000_000, 100)
	require.NoError(t, err)

	mat, err := c.Build(context.Background(), q, signerKey, 50_000)
	require.NoError(t, err)
	assert.Equal(t, "c3dhcHR4", mat.Base64Tx)
	assert.Equal(t, uint64(4242), mat.LastValidBlockHeight)

	// the venue's own quote payload rides along unmodified
	var echoed map[string]any
	require.NoError(t, json.Unmarshal(swapReq["quoteResponse"], &echoed))
	assert.Equal(t, "5000000", echoed["outAmount"])
	assert.JSONEq(t, `"`+signerKey+`"`, string(swapReq["userPublicKey"]))
}

func TestAggregatorBuildRejectsStaleQuote(t *testing.T) {
	c := NewAggregatorClient(zap.NewNop(), "http://localhost:1")
	q := &Quote{FetchedAt: time.Now().Add(-time.Minute)}

	_, err := c.Build(context.Background(), q, signerKey, 0)
	assert.ErrorIs(t, err, ErrQuoteExpired)
}

func TestCurveQuoteSellSide(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, tokenMint, q.Get("mint"))
		assert.Equal(t, "sell", q.Get("side"))
		_, _ = w.Write([]byte(`{"outAmount": 900000, "minOutAmount": 850000, "priceImpactPct": "1.4"}`))
	}))
	defer s.Close()

	c := NewCurveClient(zap.NewNop(), s.URL)
	q, err := c.Quote(context.Background(), tokenMint, NativeMint, 2_000_000, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(900_000), q.OutAmount)
	assert.Equal(t, uint64(850_000), q.MinOutAmount)
	assert.Equal(t, CurveVenueName, q.Venue)
}

func TestCurveQuoteRejectsMigratedToken(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"outAmount": 0, "minOutAmount": 0, "complete": true}`))
	}))
	defer s.Close()

	c := NewCurveClient(zap.NewNop(), s.URL)
	_, err := c.Quote(context.Background(), NativeMint, tokenMint, 1_000_000, 500)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestCurveBuildBuyAction(t *testing.T) {
	var buildReq map[string]any
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			_, _ = w.Write([]byte(`{"outAmount": 900000, "minOutAmount": 850000}`))
		case "/tx":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&buildReq))
			_, _ = w.Write([]byte(`{"transaction": "Y3VydmV0eA==", "lastValidBlockHeight": 777}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer s.Close()

	c := NewCurveClient(zap.NewNop(), s.URL)
	q, err := c.Quote(context.Background(), NativeMint, tokenMint, 1_000_000, 500)
	require.NoError(t, err)

	mat, err := c.Build(context.Background(), q, signerKey, 25_000)
	require.NoError(t, err)
	assert.Equal(t, "Y3VydmV0eA==", mat.Base64Tx)

	assert.Equal(t, "buy", buildReq["action"])
	assert.Equal(t, tokenMint, buildReq["mint"])
	assert.Equal(t, float64(850_000), buildReq["minOutAmount"])
}

func TestVenueRetriesTransientServerErrors(t *testing.T) {
	attempts := 0
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"outAmount": 10, "minOutAmount": 9}`))
	}))
	defer s.Close()

	c := NewCurveClient(zap.NewNop(), s.URL)
	_, err := c.Quote(context.Background(), NativeMint, tokenMint, 100, 500)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
