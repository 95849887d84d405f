package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TokenInfoProvider resolves a mint to price/liquidity/venue metadata.
// A (nil, nil) return means "unknown token", which callers must treat as
// cannot-evaluate, never as a zero price.
type TokenInfoProvider interface {
	TokenInfo(ctx context.Context, mint string) (*TokenInfo, error)
}

const (
	tokenInfoTTL     = 15 * time.Second
	tokenInfoTimeout = 5 * time.Second
)

// HTTPTokenInfoService fetches token metadata from a screener-style REST API
// and keeps a short-TTL process-wide cache. Concurrent lookups for the same
// mint are coalesced into one upstream request.
type HTTPTokenInfoService struct {
	log     *zap.Logger
	baseURL string
	http    *http.Client
	cache   *gocache.Cache
	limiter *rate.Limiter

	mu       sync.Mutex
	inflight map[string][]chan tokenInfoResult
}

type tokenInfoResult struct {
	info *TokenInfo
	err  error
}

func NewHTTPTokenInfoService(log *zap.Logger, baseURL string) *HTTPTokenInfoService {
	return &HTTPTokenInfoService{
		log:      log.With(zap.String("component", "tokeninfo")),
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: tokenInfoTimeout},
		cache:    gocache.New(tokenInfoTTL, time.Minute),
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		inflight: make(map[string][]chan tokenInfoResult),
	}
}

func (s *HTTPTokenInfoService) TokenInfo(ctx context.Context, mint string) (*TokenInfo, error) {
	if v, ok := s.cache.Get(mint); ok {
		//nolint:forcetypeassert
		return v.(*TokenInfo), nil
	}

	res := make(chan tokenInfoResult, 1)
	s.mu.Lock()
	waiters, fetching := s.inflight[mint]
	s.inflight[mint] = append(waiters, res)
	s.mu.Unlock()

	if !fetching {
		go s.fetchAndNotify(mint)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		return r.info, r.err
	}
}

func (s *HTTPTokenInfoService) fetchAndNotify(mint string) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenInfoTimeout)
	defer cancel()

	info, err := s.fetch(ctx, mint)
	if err == nil && info != nil {
		s.cache.Set(mint, info, tokenInfoTTL)
	}

	s.mu.Lock()
	waiters := s.inflight[mint]
	delete(s.inflight, mint)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- tokenInfoResult{info: info, err: err}
	}
}

type tokenInfoResponse struct {
	Mint         string `json:"mint"`
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	Decimals     uint8  `json:"decimals"`
	PriceUSD     string `json:"priceUsd"`
	LiquidityUSD string `json:"liquidityUsd"`
	Launchpad    bool   `json:"launchpad"`
	CurveActive  bool   `json:"curveActive"`
}

func (s *HTTPTokenInfoService) fetch(ctx context.Context, mint string) (*TokenInfo, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/tokens/%s", s.baseURL, mint), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		// unknown token, not an error
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("token info status %d: %s", resp.StatusCode, string(body))
	}

	var raw tokenInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	price, err := decimal.NewFromString(raw.PriceUSD)
	if err != nil {
		s.log.Warn("Unparsable token price", zap.String("mint", mint), zap.String("price", raw.PriceUSD))
		return nil, nil
	}
	liquidity, _ := decimal.NewFromString(raw.LiquidityUSD)

	return &TokenInfo{
		Mint:         mint,
		Symbol:       raw.Symbol,
		Name:         raw.Name,
		Decimals:     raw.Decimals,
		PriceUSD:     price,
		LiquidityUSD: liquidity,
		IsLaunchpad:  raw.Launchpad,
		CurveActive:  raw.CurveActive,
		FetchedAt:    time.Now(),
	}, nil
}
