// Package rpcserver exposes the trade engine's operations as JSON-RPC 2.0
// methods over HTTP. It is a machine interface for the (external) UI layer.
package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyontrade/engine/trade"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeCustomError    = -32000
)

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type BuyParams struct {
	UserID      int64  `json:"userId"`
	Mint        string `json:"mint"`
	Lamports    uint64 `json:"lamports"`
	SlippageBps uint64 `json:"slippageBps"`
	FeeUrgency  int    `json:"feeUrgency"`
	UseRelay    bool   `json:"useRelay"`
}

type SellParams struct {
	UserID      int64  `json:"userId"`
	Mint        string `json:"mint"`
	Amount      uint64 `json:"amount"`
	SlippageBps uint64 `json:"slippageBps"`
	FeeUrgency  int    `json:"feeUrgency"`
	UseRelay    bool   `json:"useRelay"`
}

type CancelOrderParams struct {
	OrderID int64 `json:"orderId"`
}

type TradeResult struct {
	Success        bool            `json:"success"`
	Signature      string          `json:"signature,omitempty"`
	Error          string          `json:"error,omitempty"`
	InAmount       uint64          `json:"inAmount"`
	OutAmount      uint64          `json:"outAmount"`
	PriceImpactPct decimal.Decimal `json:"priceImpactPct"`
	Venue          string          `json:"venue"`
	Tier           string          `json:"tier"`
	TokenSymbol    string          `json:"tokenSymbol,omitempty"`
	TokenPriceUSD  string          `json:"tokenPriceUsd,omitempty"`
}

// Engine is the subset of the trade engine the RPC surface drives.
type Engine interface {
	Buy(ctx context.Context, userID int64, mint string, lamports uint64, opts trade.ExecOptions) (*trade.ExecutionResult, error)
	Sell(ctx context.Context, userID int64, mint string, amount uint64, opts trade.ExecOptions) (*trade.ExecutionResult, error)
	CancelOrder(ctx context.Context, orderID int64) error
}

type Handler struct {
	log    *zap.Logger
	engine Engine
}

func NewHandler(log *zap.Logger, engine Engine) *Handler {
	return &Handler{
		log:    log.With(zap.String("component", "rpcserver")),
		engine: engine,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonrpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, CodeParseError, err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "invalid jsonrpc version")
		return
	}

	switch req.Method {
	case "engine_buy":
		h.handleBuy(r.Context(), w, &req)
	case "engine_sell":
		h.handleSell(r.Context(), w, &req)
	case "engine_cancelOrder":
		h.handleCancelOrder(r.Context(), w, &req)
	default:
		writeError(w, req.ID, CodeMethodNotFound, "method not found")
	}
}

func (h *Handler) handleBuy(ctx context.Context, w http.ResponseWriter, req *jsonrpcRequest) {
	var params BuyParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, req.ID, CodeInvalidParams, err.Error())
		return
	}
	if params.Mint == "" || params.Lamports == 0 {
		writeError(w, req.ID, CodeInvalidParams, "mint and lamports are required")
		return
	}

	res, err := h.engine.Buy(ctx, params.UserID, params.Mint, params.Lamports, trade.ExecOptions{
		SlippageBps: params.SlippageBps,
		FeeUrgency:  params.FeeUrgency,
		UseRelay:    params.UseRelay,
	})
	if err != nil {
		writeError(w, req.ID, CodeCustomError, err.Error())
		return
	}
	writeResult(w, req.ID, tradeResult(res))
}

func (h *Handler) handleSell(ctx context.Context, w http.ResponseWriter, req *jsonrpcRequest) {
	var params SellParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, req.ID, CodeInvalidParams, err.Error())
		return
	}
	if params.Mint == "" || params.Amount == 0 {
		writeError(w, req.ID, CodeInvalidParams, "mint and amount are required")
		return
	}

	res, err := h.engine.Sell(ctx, params.UserID, params.Mint, params.Amount, trade.ExecOptions{
		SlippageBps: params.SlippageBps,
		FeeUrgency:  params.FeeUrgency,
		UseRelay:    params.UseRelay,
	})
	if err != nil {
		writeError(w, req.ID, CodeCustomError, err.Error())
		return
	}
	writeResult(w, req.ID, tradeResult(res))
}

func (h *Handler) handleCancelOrder(ctx context.Context, w http.ResponseWriter, req *jsonrpcRequest) {
	var params CancelOrderParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, req.ID, CodeInvalidParams, err.Error())
		return
	}
	if err := h.engine.CancelOrder(ctx, params.OrderID); err != nil {
		writeError(w, req.ID, CodeCustomError, err.Error())
		return
	}
	writeResult(w, req.ID, true)
}

func tradeResult(res *trade.ExecutionResult) TradeResult {
	out := TradeResult{
		Success:        res.Success,
		Signature:      res.Signature,
		Error:          res.Err,
		InAmount:       res.InAmount,
		OutAmount:      res.OutAmount,
		PriceImpactPct: res.PriceImpactPct,
		Venue:          res.Venue,
		Tier:           string(res.Tier),
	}
	if res.Token != nil {
		out.TokenSymbol = res.Token.Symbol
		out.TokenPriceUSD = res.Token.PriceUSD.String()
	}
	return out
}

func writeResult(w http.ResponseWriter, id, result any) {
	writeJSON(w, jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id any, code int, message string) {
	writeJSON(w, jsonrpcResponse{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, resp jsonrpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
