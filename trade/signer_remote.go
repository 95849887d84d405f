package trade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSignerProvider talks to the external wallet-custody service. Keys never
// leave that service; the engine only sees public addresses and signed
// payloads, one signer per call.
type HTTPSignerProvider struct {
	baseURL string
	http    *http.Client
}

func NewHTTPSignerProvider(baseURL string) *HTTPSignerProvider {
	return &HTTPSignerProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

type walletResponse struct {
	PublicKey string `json:"publicKey"`
}

func (p *HTTPSignerProvider) SignerFor(ctx context.Context, userID int64) (Signer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/wallets/%d", p.baseURL, userID), nil)
	if err != nil {
		return nil, err
	}
	var wallet walletResponse
	if err := p.doJSON(req, &wallet); err != nil {
		return nil, fmt.Errorf("wallet lookup for user %d: %w", userID, err)
	}
	if wallet.PublicKey == "" {
		return nil, fmt.Errorf("no wallet for user %d", userID)
	}
	return &remoteSigner{provider: p, userID: userID, publicKey: wallet.PublicKey}, nil
}

type remoteSigner struct {
	provider  *HTTPSignerProvider
	userID    int64
	publicKey string
}

func (s *remoteSigner) PublicKey() string { return s.publicKey }

type signRequest struct {
	UserID          int64  `json:"userId"`
	Transaction     string `json:"transaction,omitempty"`
	To              string `json:"to,omitempty"`
	Lamports        uint64 `json:"lamports,omitempty"`
	RecentBlockhash string `json:"recentBlockhash,omitempty"`
}

type signResponse struct {
	SignedTransaction string `json:"signedTransaction"`
	Signature         string `json:"signature"`
}

func (s *remoteSigner) SignTransaction(ctx context.Context, base64Tx string) (string, string, error) {
	return s.sign(ctx, "/sign", signRequest{UserID: s.userID, Transaction: base64Tx})
}

func (s *remoteSigner) SignTransfer(ctx context.Context, to string, lamports uint64, recentBlockhash string) (string, string, error) {
	return s.sign(ctx, "/sign-transfer", signRequest{
		UserID:          s.userID,
		To:              to,
		Lamports:        lamports,
		RecentBlockhash: recentBlockhash,
	})
}

func (s *remoteSigner) sign(ctx context.Context, path string, body signRequest) (string, string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.provider.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var res signResponse
	if err := s.provider.doJSON(req, &res); err != nil {
		return "", "", err
	}
	if res.SignedTransaction == "" {
		return "", "", fmt.Errorf("custody service returned empty transaction")
	}
	return res.SignedTransaction, res.Signature, nil
}

func (p *HTTPSignerProvider) doJSON(req *http.Request, out any) error {
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("custody service status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
