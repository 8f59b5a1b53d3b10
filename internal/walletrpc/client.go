// Package walletrpc talks JSON-RPC to monero-wallet-rpc and monerod.
//
// Wallet calls go through the go-monero-rpc-client wallet client. Every call
// shares one transport concern: a short per-call timeout, HTTP digest
// authentication when credentials are configured, and a circuit breaker per
// endpoint. Transport failures are reported as ErrUnavailable so callers can
// skip the current record and retry on the next pass.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/icholy/digest"

	"github.com/mbd888/xmrescrow/internal/circuitbreaker"
)

var (
	ErrUnavailable = errors.New("walletrpc: endpoint unavailable")
	ErrBadResponse = errors.New("walletrpc: malformed response")
)

// RPCError is an error object returned by the remote endpoint. The call
// reached the wallet and was rejected; it is not a transport failure.
type RPCError struct {
	Method  string
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("walletrpc: %s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

// IsUnavailable reports whether err means the endpoint could not be reached,
// including a tripped circuit breaker.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, circuitbreaker.ErrOpen)
}

// DefaultTimeout bounds every RPC call.
const DefaultTimeout = 5 * time.Second

// Config for connecting to a JSON-RPC endpoint.
type Config struct {
	URL      string // e.g. http://127.0.0.1:18083
	User     string
	Password string
	Timeout  time.Duration
}

// Option configures an endpoint client.
type Option func(*endpoint)

// WithTransport replaces the base HTTP transport under digest auth and the
// per-call timeout (useful for testing).
func WithTransport(rt http.RoundTripper) Option {
	return func(e *endpoint) { e.base = rt }
}

// WithBreaker shares a circuit breaker between clients.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(e *endpoint) { e.breaker = b }
}

type endpoint struct {
	name      string
	url       string
	timeout   time.Duration
	base      http.RoundTripper
	transport http.RoundTripper
	breaker   *circuitbreaker.Breaker
}

func newEndpoint(name string, cfg Config, opts []Option) *endpoint {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	e := &endpoint{
		name:    name,
		url:     strings.TrimRight(cfg.URL, "/") + "/json_rpc",
		timeout: timeout,
		base: &http.Transport{
			DialContext:     (&net.Dialer{Timeout: timeout}).DialContext,
			MaxIdleConns:    4,
			IdleConnTimeout: 90 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(e)
	}

	rt := e.base
	if cfg.User != "" {
		rt = &digest.Transport{
			Username:  cfg.User,
			Password:  cfg.Password,
			Transport: rt,
		}
	}
	e.transport = &availability{name: name, timeout: timeout, next: rt}
	return e
}

// availability bounds each request by the endpoint timeout and reports
// connection failures and 5xx answers as ErrUnavailable.
type availability struct {
	name    string
	timeout time.Duration
	next    http.RoundTripper
}

func (a *availability) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), a.timeout)
	resp, err := a.next.RoundTrip(req.Clone(ctx))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, a.name, err)
	}
	if resp.StatusCode >= 500 {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %s: http %d", ErrUnavailable, a.name, resp.StatusCode)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// guard runs one library call through the breaker. The call gives up when
// ctx ends; the request itself is bounded by the endpoint timeout.
func (e *endpoint) guard(ctx context.Context, method string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.breaker.Do(e.name, IsUnavailable, func() error {
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			return e.classify(method, err)
		case <-ctx.Done():
			return fmt.Errorf("walletrpc: %s %s: %w", e.name, method, ctx.Err())
		}
	})
}

func (e *endpoint) classify(method string, err error) error {
	if err == nil || IsUnavailable(err) {
		return err
	}
	var jerr *json2.Error
	if errors.As(err, &jerr) {
		return &RPCError{Method: method, Code: int(jerr.Code), Message: jerr.Message}
	}
	var syntax *json.SyntaxError
	if errors.Is(err, json2.ErrNullResult) || errors.As(err, &syntax) {
		return fmt.Errorf("%w: %s: %v", ErrBadResponse, method, err)
	}
	return fmt.Errorf("walletrpc: %s %s: %w", e.name, method, err)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one raw JSON-RPC round trip through the breaker. It serves
// the monerod methods the wallet client does not cover.
func (e *endpoint) call(ctx context.Context, method string, params, result any) error {
	return e.breaker.Do(e.name, IsUnavailable, func() error {
		return e.roundTrip(ctx, method, params, result)
	})
}

func (e *endpoint) roundTrip(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: "0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("walletrpc: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("walletrpc: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Transport: e.transport}).Do(req)
	if err != nil {
		if IsUnavailable(err) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, e.name, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("walletrpc: %s %s: http %d: %s", e.name, method, resp.StatusCode, snippet)
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadResponse, method, err)
	}
	if out.Error != nil {
		out.Error.Method = method
		return out.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(out.Result, result); err != nil {
		return fmt.Errorf("%w: %s result: %v", ErrBadResponse, method, err)
	}
	return nil
}

type idleCloser interface {
	CloseIdleConnections()
}

func (e *endpoint) close() {
	if c, ok := e.base.(idleCloser); ok {
		c.CloseIdleConnections()
	}
}
