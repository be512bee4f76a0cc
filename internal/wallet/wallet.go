// Package wallet allocates deposit addresses from an Electrum wallet backend
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pmattes/escrowd/internal/circuitbreaker"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrUnavailable = errors.New("wallet: backend unavailable")
	ErrRPC         = errors.New("wallet: rpc call failed")
)

// RPCError wraps an error response from the Electrum daemon
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet: %s failed (code %d): %s", e.Method, e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrRPC }

// -----------------------------------------------------------------------------
// Interfaces - for testability and flexibility
// -----------------------------------------------------------------------------

// AddressAllocator hands out a fresh deposit address for a deal
type AddressAllocator interface {
	DepositAddress(ctx context.Context, dealID int64) (string, error)
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultRPCTimeout bounds a single daemon round trip
	DefaultRPCTimeout = 10 * time.Second
)

// FallbackAddress is the deterministic placeholder used when the backend
// cannot be reached. Deals funded at a fallback address need manual review.
func FallbackAddress(dealID int64) string {
	return fmt.Sprintf("bc1qescrow%08dxyz", dealID)
}

// -----------------------------------------------------------------------------
// Electrum JSON-RPC client
// -----------------------------------------------------------------------------

// Electrum allocates addresses from a running Electrum daemon over JSON-RPC.
//
// A circuit breaker sits in front of the daemon: after repeated connection
// failures, calls fail fast with ErrUnavailable instead of stacking up
// timeouts while the daemon restarts.
type Electrum struct {
	url         string
	user        string
	pass        string
	labelPrefix string
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	reqID       atomic.Int64
}

// NewElectrum creates an allocator backed by an Electrum daemon
func NewElectrum(url, user, pass, labelPrefix string) *Electrum {
	return &Electrum{
		url:         url,
		user:        user,
		pass:        pass,
		labelPrefix: labelPrefix,
		client:      &http.Client{Timeout: DefaultRPCTimeout},
		breaker:     circuitbreaker.New("electrum", 5, 30*time.Second),
	}
}

type rpcRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *Electrum) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if !e.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	raw, err := e.doCall(ctx, method, params...)
	// An RPC-level error still means the daemon answered; only transport
	// failures count against the circuit.
	if errors.Is(err, ErrUnavailable) {
		e.breaker.RecordFailure()
	} else {
		e.breaker.RecordSuccess()
	}
	return raw, err
}

func (e *Electrum) doCall(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		ID:     e.reqID.Add(1),
		Method: method,
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("wallet: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("wallet: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.user != "" {
		req.SetBasicAuth(e.user, e.pass)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("wallet: decode %s response: %w", method, err)
	}
	if out.Error != nil {
		return nil, &RPCError{Method: method, Code: out.Error.Code, Message: out.Error.Message}
	}
	return out.Result, nil
}

// DepositAddress returns a fresh address labeled for the deal.
// It tries createnewaddress first and falls back to getunusedaddress
// on daemons where address creation is gated.
func (e *Electrum) DepositAddress(ctx context.Context, dealID int64) (string, error) {
	label := fmt.Sprintf("%s%d", e.labelPrefix, dealID)

	if addr, err := e.stringCall(ctx, "createnewaddress", label); err == nil && addr != "" {
		return addr, nil
	} else if errors.Is(err, ErrUnavailable) {
		return "", err
	}

	addr, err := e.stringCall(ctx, "getunusedaddress")
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", fmt.Errorf("%w: daemon returned no address", ErrUnavailable)
	}
	return addr, nil
}

// DepositStatus reports the funding state of a deposit address: the number
// of confirmations on the most recent transaction touching it, and that
// transaction's ID. An address with no history returns (0, "", nil).
func (e *Electrum) DepositStatus(ctx context.Context, address string) (int, string, error) {
	raw, err := e.call(ctx, "getaddresshistory", address)
	if err != nil {
		return 0, "", err
	}

	var history []struct {
		TxHash string `json:"tx_hash"`
		Height int64  `json:"height"`
	}
	if err := json.Unmarshal(raw, &history); err != nil {
		return 0, "", fmt.Errorf("wallet: getaddresshistory returned unexpected shape: %w", err)
	}
	if len(history) == 0 {
		return 0, "", nil
	}

	last := history[len(history)-1]
	// Height 0 or negative means the transaction is still in the mempool.
	if last.Height <= 0 {
		return 0, last.TxHash, nil
	}

	raw, err = e.call(ctx, "getinfo")
	if err != nil {
		return 0, "", err
	}
	var info struct {
		BlockchainHeight int64 `json:"blockchain_height"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return 0, "", fmt.Errorf("wallet: getinfo returned unexpected shape: %w", err)
	}
	if info.BlockchainHeight < last.Height {
		return 0, last.TxHash, nil
	}

	return int(info.BlockchainHeight-last.Height) + 1, last.TxHash, nil
}

func (e *Electrum) stringCall(ctx context.Context, method string, params ...any) (string, error) {
	raw, err := e.call(ctx, method, params...)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("wallet: %s returned non-string result", method)
	}
	return s, nil
}

var _ AddressAllocator = (*Electrum)(nil)

// -----------------------------------------------------------------------------
// Static allocator - development and tests
// -----------------------------------------------------------------------------

// Static always allocates the deterministic fallback address.
type Static struct{}

// DepositAddress implements AddressAllocator
func (Static) DepositAddress(_ context.Context, dealID int64) (string, error) {
	return FallbackAddress(dealID), nil
}

var _ AddressAllocator = Static{}
