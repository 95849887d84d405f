// Package chainrpc is a thin JSON-RPC client for the chain nodes the engine
// talks to. Transactions and addresses cross this boundary as strings
// (base64 payloads, base58 addresses) so callers stay SDK-free.
package chainrpc

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ybbus/jsonrpc/v3"
)

var ErrEmptyResponse = errors.New("empty rpc response")

const defaultRequestTimeout = 8 * time.Second

type Client struct {
	rpc            jsonrpc.RPCClient
	requestTimeout time.Duration
}

func NewClient(url string) *Client {
	return &Client{
		rpc:            jsonrpc.NewClient(url),
		requestTimeout: defaultRequestTimeout,
	}
}

type sendTxOpts struct {
	Encoding      string `json:"encoding"`
	SkipPreflight bool   `json:"skipPreflight"`
	MaxRetries    int    `json:"maxRetries"`
}

// SendTransaction broadcasts a serialized signed transaction and returns its
// signature. Node-side rebroadcast is disabled: retries are the executor's
// job, one tier at a time.
func (c *Client) SendTransaction(ctx context.Context, base64Tx string, skipPreflight bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var signature string
	err := c.rpc.CallFor(ctx, &signature, "sendTransaction", base64Tx, sendTxOpts{
		Encoding:      "base64",
		SkipPreflight: skipPreflight,
		MaxRetries:    0,
	})
	if err != nil {
		return "", err
	}
	if signature == "" {
		return "", ErrEmptyResponse
	}
	return signature, nil
}

type SignatureStatus struct {
	Slot               uint64  `json:"slot"`
	Confirmations      *uint64 `json:"confirmations"`
	ConfirmationStatus string  `json:"confirmationStatus"`
	Err                any     `json:"err"`
}

func (s *SignatureStatus) Confirmed() bool {
	return s != nil && s.Err == nil &&
		(s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized")
}

func (s *SignatureStatus) Failed() bool {
	return s != nil && s.Err != nil
}

type signatureStatusResult struct {
	Value []*SignatureStatus `json:"value"`
}

type searchHistoryOpts struct {
	SearchTransactionHistory bool `json:"searchTransactionHistory"`
}

// GetSignatureStatus returns nil when the chain has not seen the signature yet.
func (c *Client) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var res signatureStatusResult
	err := c.rpc.CallFor(ctx, &res, "getSignatureStatuses", []string{signature}, searchHistoryOpts{SearchTransactionHistory: true})
	if err != nil {
		return nil, err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

type latestBlockhashResult struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

func (c *Client) GetLatestBlockhash(ctx context.Context) (blockhash string, lastValidBlockHeight uint64, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var res latestBlockhashResult
	err = c.rpc.CallFor(ctx, &res, "getLatestBlockhash")
	if err != nil {
		return "", 0, err
	}
	if res.Value.Blockhash == "" {
		return "", 0, ErrEmptyResponse
	}
	return res.Value.Blockhash, res.Value.LastValidBlockHeight, nil
}

type tokenAccountsResult struct {
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount   string `json:"amount"`
							Decimals uint8  `json:"decimals"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

type mintFilter struct {
	Mint string `json:"mint"`
}

type encodingOpts struct {
	Encoding string `json:"encoding"`
}

// GetTokenBalance sums the owner's token accounts for one mint. A wallet with
// no account for the mint reports a zero balance, not an error.
func (c *Client) GetTokenBalance(ctx context.Context, owner, mint string) (amount uint64, decimals uint8, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var res tokenAccountsResult
	err = c.rpc.CallFor(ctx, &res, "getTokenAccountsByOwner", owner, mintFilter{Mint: mint}, encodingOpts{Encoding: "jsonParsed"})
	if err != nil {
		return 0, 0, err
	}
	for _, acc := range res.Value {
		ta := acc.Account.Data.Parsed.Info.TokenAmount
		v, perr := strconv.ParseUint(ta.Amount, 10, 64)
		if perr != nil {
			continue
		}
		amount += v
		decimals = ta.Decimals
	}
	return amount, decimals, nil
}

type prioritizationFee struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

// GetRecentPrioritizationFees returns the per-slot fee sample the node keeps
// for the given accounts (all accounts when the list is empty).
func (c *Client) GetRecentPrioritizationFees(ctx context.Context, accounts []string) ([]uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var res []prioritizationFee
	var err error
	if len(accounts) > 0 {
		err = c.rpc.CallFor(ctx, &res, "getRecentPrioritizationFees", accounts)
	} else {
		err = c.rpc.CallFor(ctx, &res, "getRecentPrioritizationFees")
	}
	if err != nil {
		return nil, err
	}
	fees := make([]uint64, 0, len(res))
	for _, f := range res {
		fees = append(fees, f.PrioritizationFee)
	}
	return fees, nil
}
