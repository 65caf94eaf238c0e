// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rpcclient is a minimal JSON-RPC 1.0 client for a Bitcoin Core
// (or compatible) node, scoped to the handful of methods the mining
// engine needs: getblocktemplate, getblockhash, getblock,
// getrawtransaction, submitblock, getblockchaininfo and
// validateaddress. It speaks JSON-RPC 1.0 (no "jsonrpc" version
// field, a bare numeric id) over an HTTP/1.1 keep-alive connection
// pool, the same dialect Bitcoin Core's RPC server accepts.
package rpcclient

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

	"github.com/btcsuite/btcd/btcjson"
	"github.com/decred/dcrd/lru"
)

// Config holds everything needed to reach one node's RPC port.
type Config struct {
	Host string
	Port string
	User string
	Pass string

	// Timeout bounds a single HTTP round trip. Zero means 30s.
	Timeout time.Duration

	// MaxIdleConns bounds the keep-alive pool kept open to the node.
	// Zero means 4, enough for the template manager's occasional
	// poll plus the rare submitblock without ever opening a second
	// TCP connection in the common case.
	MaxIdleConns int

	// CacheSize bounds the number of immutable (hash-addressed)
	// lookups kept in memory. Zero disables the cache.
	CacheSize int
}

// TransportError wraps a failure that happened before any HTTP
// response was received: DNS, dial, TLS, or a context cancellation.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("rpcclient: transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatusError is returned when the node answers with a non-200
// status — most commonly 401 (bad credentials) or 503 (node still
// warming up / loading the block index).
type HTTPStatusError struct{ StatusCode int }

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("rpcclient: unexpected HTTP status %d", e.StatusCode)
}

// ParseError is returned when the HTTP body is not well-formed
// JSON-RPC, e.g. truncated by a proxy or a misconfigured node.
type ParseError struct{ Err error }

func (e *ParseError) Error() string { return fmt.Sprintf("rpcclient: parse: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// MethodError is the node's own JSON-RPC error object: a bad
// parameter, an unknown method, or a consensus-level rejection from
// submitblock.
type MethodError struct {
	Code    int
	Message string
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("rpcclient: node returned error %d: %s", e.Code, e.Message)
}

// ErrBatchMismatch is returned by BatchCall when the node's response
// array does not contain a reply for every id that was sent.
var ErrBatchMismatch = errors.New("rpcclient: batch response missing one or more request ids")

// request is the JSON-RPC 1.0 wire request: no version field, params
// always present (possibly empty), id a bare integer.
type request struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     uint64        `json:"id"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
	ID     uint64          `json:"id"`
}

// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	endpoint string
	user     string
	pass     string
	http     *http.Client
	nextID   uint64
	cache    *lru.Map[string, json.RawMessage]
}

// New builds a Client from cfg. It does not contact the node; the
// first call establishes the connection.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 4
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		MaxConnsPerHost:     maxIdle,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		endpoint: fmt.Sprintf("http://%s:%s/", cfg.Host, cfg.Port),
		user:     cfg.User,
		pass:     cfg.Pass,
		http:     &http.Client{Transport: transport, Timeout: timeout},
	}
	if cfg.CacheSize > 0 {
		c.cache = lru.NewMap[string, json.RawMessage](cfg.CacheSize)
	}
	return c
}

// call issues a single JSON-RPC request and returns its raw result.
func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	return c.do(ctx, request{Method: method, Params: params, ID: id})
}

func (c *Client) do(ctx context.Context, req request) (json.RawMessage, error) {
	if params := req.Params; params == nil {
		req.Params = []interface{}{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.user, c.pass)

	log.Tracef("RPC call %s (id %d)", req.Method, req.ID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.Warnf("RPC call %s failed: %v", req.Method, err)
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		log.Warnf("RPC call %s: unexpected status %d", req.Method, resp.StatusCode)
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, &ParseError{Err: err}
	}
	if rpcResp.Error != nil {
		log.Debugf("RPC call %s returned node error %d: %s", req.Method, rpcResp.Error.Code, rpcResp.Error.Message)
		return nil, &MethodError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	return rpcResp.Result, nil
}

// BatchCall issues every (method, params) pair in one HTTP round
// trip and returns their raw results in the same order the calls were
// given, regardless of the order the node's response array arrives
// in — a node is free to answer out of order, and batches commonly do.
func (c *Client) BatchCall(ctx context.Context, methods []string, paramSets [][]interface{}) ([]json.RawMessage, error) {
	if len(methods) != len(paramSets) {
		return nil, fmt.Errorf("rpcclient: methods and paramSets length mismatch (%d != %d)", len(methods), len(paramSets))
	}

	reqs := make([]request, len(methods))
	for i, method := range methods {
		id := atomic.AddUint64(&c.nextID, 1)
		params := paramSets[i]
		if params == nil {
			params = []interface{}{}
		}
		reqs[i] = request{Method: method, Params: params, ID: id}
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.user, c.pass)

	log.Tracef("RPC batch call: %d requests", len(reqs))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	var rpcResps []response
	if err := json.Unmarshal(data, &rpcResps); err != nil {
		return nil, &ParseError{Err: err}
	}

	byID := make(map[uint64]response, len(rpcResps))
	for _, r := range rpcResps {
		byID[r.ID] = r
	}

	results := make([]json.RawMessage, len(reqs))
	for i, sent := range reqs {
		got, ok := byID[sent.ID]
		if !ok {
			return nil, ErrBatchMismatch
		}
		if got.Error != nil {
			return nil, &MethodError{Code: got.Error.Code, Message: got.Error.Message}
		}
		results[i] = got.Result
	}
	return results, nil
}

// cachedCall is call with an immutable-result cache layered in front:
// used only for lookups keyed by something that can never change its
// answer (a fixed block hash, a fixed height once buried past reorg
// depth, a fixed txid).
func (c *Client) cachedCall(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.cache == nil {
		return c.call(ctx, method, params)
	}

	keyBytes, err := json.Marshal(params)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	key := method + ":" + string(keyBytes)

	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}
	result, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, result)
	return result, nil
}

// GetBlockTemplate fetches a mining template. Never cached: every
// call is expected to return the node's current best-effort template.
func (c *Client) GetBlockTemplate(ctx context.Context, req *btcjson.TemplateRequest) (*btcjson.GetBlockTemplateResult, error) {
	var params []interface{}
	if req != nil {
		params = []interface{}{req}
	}
	raw, err := c.call(ctx, "getblocktemplate", params)
	if err != nil {
		return nil, err
	}
	var result btcjson.GetBlockTemplateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &result, nil
}

// GetBlockHash resolves a block height to its hash. Cached: a height
// this deep in the caller's usage (always a confirmed ancestor, never
// the chain tip) never changes its answer.
func (c *Client) GetBlockHash(ctx context.Context, height int64) (string, error) {
	raw, err := c.cachedCall(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", &ParseError{Err: err}
	}
	return hash, nil
}

// GetBlock fetches a block by hash in verbose (decoded) form. Cached,
// since a given hash's contents are immutable.
func (c *Client) GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error) {
	raw, err := c.cachedCall(ctx, "getblock", []interface{}{hash, 1})
	if err != nil {
		return nil, err
	}
	var result btcjson.GetBlockVerboseResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &result, nil
}

// GetRawTransaction fetches a transaction by id in verbose form.
// Cached for the same reason as GetBlock.
func (c *Client) GetRawTransaction(ctx context.Context, txid string) (*btcjson.TxRawResult, error) {
	raw, err := c.cachedCall(ctx, "getrawtransaction", []interface{}{txid, 1})
	if err != nil {
		return nil, err
	}
	var result btcjson.TxRawResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &result, nil
}

// SubmitBlock submits a fully assembled, hex-encoded block. A nil
// error means the node accepted it. A non-nil result string, the
// rejection reason Bitcoin Core's submitblock returns on failure, comes
// back as a plain error naming that reason; a JSON-RPC error object
// comes back as MethodError.
func (c *Client) SubmitBlock(ctx context.Context, hexBlock string) error {
	raw, err := c.call(ctx, "submitblock", []interface{}{hexBlock})
	if err != nil {
		return err
	}
	var reason *string
	if err := json.Unmarshal(raw, &reason); err != nil {
		return &ParseError{Err: err}
	}
	if reason != nil {
		log.Warnf("submitblock rejected: %s", *reason)
		return fmt.Errorf("rpcclient: submitblock rejected: %s", *reason)
	}
	log.Infof("submitblock accepted")
	return nil
}

// GetBlockChainInfo reports the node's current chain state. Never
// cached: height and best block hash change every block.
func (c *Client) GetBlockChainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	raw, err := c.call(ctx, "getblockchaininfo", nil)
	if err != nil {
		return nil, err
	}
	var result btcjson.GetBlockChainInfoResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &result, nil
}

// ValidateAddress checks that a payout address is well-formed and
// known to the node's configured network, surfacing the same check
// txbuild.BuildCoinbase performs locally via btcutil.DecodeAddress.
func (c *Client) ValidateAddress(ctx context.Context, address string) (*btcjson.ValidateAddressChainResult, error) {
	raw, err := c.cachedCall(ctx, "validateaddress", []interface{}{address})
	if err != nil {
		return nil, err
	}
	var result btcjson.ValidateAddressChainResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &result, nil
}
