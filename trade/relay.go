package trade

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/halcyontrade/engine/chainrpc"
	"github.com/halcyontrade/engine/metrics"
)

var (
	ErrNoRelayEndpoints   = errors.New("no relay endpoints configured")
	ErrNoTipAccounts      = errors.New("no relay tip accounts configured")
	ErrBundleRejected     = errors.New("bundle rejected by all relay endpoints")
	ErrBundleNotLanded    = errors.New("bundle did not land before timeout")
	ErrEmptyRelayResponse = errors.New("empty relay response")
)

const (
	relayCallTimeout    = 3 * time.Second
	bundlePollInterval  = time.Second
	defaultLandTimeout  = 30 * time.Second
	relayRetryCeiling   = 3
	rejectionsPerRotate = 2
)

// TipBand maps a trade-notional floor to a relay tip. Bands are matched top
// down, so they must be declared in descending min_sol order.
type TipBand struct {
	MinSOL decimal.Decimal `yaml:"min_sol"`
	TipSOL decimal.Decimal `yaml:"tip_sol"`
}

type RelayConfig struct {
	Endpoints []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"endpoints"`
	TipAccounts []string  `yaml:"tip_accounts"`
	TipBands    []TipBand `yaml:"tip_bands"`
	TurboBands  []TipBand `yaml:"turbo_bands"`
	// SingleEndpoint submits to one preferred endpoint at a time instead of
	// fanning out, rotating preference away from endpoints that keep
	// rejecting. For operators who meter per-endpoint request volume.
	SingleEndpoint bool `yaml:"single_endpoint"`
}

// LoadRelayConfig parses the relay endpoint and tip table config from a file.
func LoadRelayConfig(file string) (RelayConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return RelayConfig{}, err
	}
	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

type relayEndpoint struct {
	name   string
	client jsonrpc.RPCClient
}

// SignatureStatusSource lets the relay client fall back to a direct signature
// lookup when the bundle status API goes quiet after landing.
type SignatureStatusSource interface {
	GetSignatureStatus(ctx context.Context, signature string) (*chainrpc.SignatureStatus, error)
}

// RelayClient submits transaction bundles privately, paired with a tip
// payment, so trades stay out of the public mempool until they land.
type RelayClient struct {
	log         *zap.Logger
	endpoints   []relayEndpoint
	tipAccounts []string
	tipBands    []TipBand
	turboBands  []TipBand
	statuses    SignatureStatusSource
	retry       retryPolicy
	landTimeout time.Duration
	single      bool

	mu         sync.Mutex
	preferred  int
	rejections int
}

func NewRelayClient(log *zap.Logger, cfg RelayConfig, statuses SignatureStatusSource) (*RelayClient, error) {
	endpoints := make([]relayEndpoint, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		if e.Disabled {
			continue
		}
		endpoints = append(endpoints, relayEndpoint{name: e.Name, client: jsonrpc.NewClient(e.URL)})
	}
	if len(endpoints) == 0 {
		return nil, ErrNoRelayEndpoints
	}
	if len(cfg.TipAccounts) == 0 {
		return nil, ErrNoTipAccounts
	}
	return &RelayClient{
		log:         log.With(zap.String("component", "relay")),
		endpoints:   endpoints,
		tipAccounts: cfg.TipAccounts,
		tipBands:    cfg.TipBands,
		turboBands:  cfg.TurboBands,
		statuses:    statuses,
		retry:       newRetryPolicy(relayRetryCeiling, 250*time.Millisecond),
		landTimeout: defaultLandTimeout,
		single:      cfg.SingleEndpoint,
	}, nil
}

// TipAccount picks one of the known relay-operator accounts at random to
// spread tip load.
func (r *RelayClient) TipAccount() string {
	return r.tipAccounts[rand.Intn(len(r.tipAccounts))] //nolint:gosec
}

// TipFor sizes the relay tip from the trade notional. The external tip-floor
// query can only raise the chosen tip, never lower it.
func (r *RelayClient) TipFor(ctx context.Context, notionalSOL decimal.Decimal, turbo bool) uint64 {
	bands := r.tipBands
	if turbo && len(r.turboBands) > 0 {
		bands = r.turboBands
	}

	tip := uint64(0)
	for _, band := range bands {
		if notionalSOL.GreaterThanOrEqual(band.MinSOL) {
			tip = uint64(band.TipSOL.Mul(decimal.NewFromInt(LamportsPerSol)).IntPart())
			break
		}
	}

	if floor, err := r.tipFloor(ctx); err == nil && floor > tip {
		tip = floor
	}
	return tip
}

type tipFloorResult struct {
	LandedTips50thPercentile float64 `json:"landed_tips_50th_percentile"`
}

func (r *RelayClient) tipFloor(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, relayCallTimeout)
	defer cancel()

	var res []tipFloorResult
	err := r.endpoints[0].client.CallFor(ctx, &res, "getTipFloor")
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, ErrEmptyRelayResponse
	}
	return uint64(res[0].LandedTips50thPercentile * LamportsPerSol), nil
}

type bundleAccept struct {
	endpoint string
	bundleID string
}

// SubmitBundle sends the serialized bundle to every endpoint concurrently.
// The first acceptance wins; the remaining requests are drained, not
// cancelled, and their results discarded.
func (r *RelayClient) SubmitBundle(ctx context.Context, signedTxs []string) (bundleID, endpoint string, err error) {
	var wg sync.WaitGroup
	accepts := make(chan bundleAccept, len(r.endpoints))

	for _, ep := range r.endpoints {
		wg.Add(1)
		go func(ep relayEndpoint) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, relayCallTimeout)
			defer cancel()

			start := time.Now()
			var id string
			callErr := ep.client.CallFor(callCtx, &id, "sendBundle", signedTxs)
			r.log.Debug("Sent bundle to relay endpoint", zap.String("endpoint", ep.name), zap.Duration("duration", time.Since(start)), zap.Error(callErr))

			if callErr != nil || id == "" {
				if callErr != nil {
					r.log.Warn("Relay endpoint rejected bundle", zap.String("endpoint", ep.name), zap.Error(callErr))
				}
				return
			}
			accepts <- bundleAccept{endpoint: ep.name, bundleID: id}
		}(ep)
	}

	wg.Wait()
	close(accepts)

	first, ok := <-accepts
	if !ok {
		r.noteRejection()
		return "", "", ErrBundleRejected
	}
	metrics.IncBundlesAccepted(first.endpoint)
	return first.bundleID, first.endpoint, nil
}

// SubmitBundleWithRetry wraps the configured submission mode (fan-out or
// single preferred endpoint) in the shared backoff policy.
func (r *RelayClient) SubmitBundleWithRetry(ctx context.Context, signedTxs []string) (bundleID, endpoint string, err error) {
	submit := r.SubmitBundle
	if r.single {
		submit = r.SubmitToPreferred
	}
	retryErr := r.retry.retry(ctx, func() error {
		bundleID, endpoint, err = submit(ctx, signedTxs)
		return err
	})
	if retryErr != nil {
		return "", "", retryErr
	}
	return bundleID, endpoint, nil
}

// SubmitToPreferred sends to a single endpoint, rotating preference away
// from endpoints that keep rejecting. Used when fan-out volume is a concern.
func (r *RelayClient) SubmitToPreferred(ctx context.Context, signedTxs []string) (bundleID, endpoint string, err error) {
	r.mu.Lock()
	ep := r.endpoints[r.preferred%len(r.endpoints)]
	r.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, relayCallTimeout)
	defer cancel()

	var id string
	if err := ep.client.CallFor(callCtx, &id, "sendBundle", signedTxs); err != nil || id == "" {
		r.noteRejection()
		if err == nil {
			err = ErrEmptyRelayResponse
		}
		return "", "", err
	}
	metrics.IncBundlesAccepted(ep.name)
	return id, ep.name, nil
}

func (r *RelayClient) noteRejection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections++
	if r.rejections >= rejectionsPerRotate {
		r.rejections = 0
		r.preferred = (r.preferred + 1) % len(r.endpoints)
	}
}

type bundleStatusResult struct {
	Value []struct {
		BundleID           string `json:"bundle_id"`
		ConfirmationStatus string `json:"confirmation_status"`
		Err                any    `json:"err"`
	} `json:"value"`
}

// WaitLanded polls the bundle status until it lands, fails, or the timeout
// elapses. A bundle can land without status-API visibility, so on timeout the
// transaction signature is checked directly before giving up.
func (r *RelayClient) WaitLanded(ctx context.Context, bundleID, signature string) error {
	deadline := time.Now().Add(r.landTimeout)
	ticker := time.NewTicker(bundlePollInterval)
	defer ticker.Stop()

	start := time.Now()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := r.bundleStatus(ctx, bundleID)
		if err != nil {
			r.log.Debug("Bundle status poll failed", zap.Error(err))
			continue
		}
		switch status {
		case "landed", "confirmed", "finalized":
			metrics.RecordBundleLandDuration(time.Since(start).Milliseconds())
			return nil
		case "failed", "invalid":
			return ErrBundleNotLanded
		}
	}

	// status API went quiet, trust the chain
	if r.statuses != nil {
		sigStatus, err := r.statuses.GetSignatureStatus(ctx, signature)
		if err == nil && sigStatus.Confirmed() {
			r.log.Info("Bundle landed without status-API visibility", zap.String("bundle", bundleID))
			metrics.RecordBundleLandDuration(time.Since(start).Milliseconds())
			return nil
		}
	}
	return ErrBundleNotLanded
}

func (r *RelayClient) bundleStatus(ctx context.Context, bundleID string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, relayCallTimeout)
	defer cancel()

	var res bundleStatusResult
	err := r.endpoints[0].client.CallFor(callCtx, &res, "getBundleStatuses", []string{bundleID})
	if err != nil {
		return "", err
	}
	if len(res.Value) == 0 {
		return "pending", nil
	}
	if res.Value[0].Err != nil {
		return "failed", nil
	}
	if res.Value[0].ConfirmationStatus == "" {
		return "pending", nil
	}
	return res.Value[0].ConfirmationStatus, nil
}
