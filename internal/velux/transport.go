package velux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zorak1103/velux-active/internal/logging"
)

// noResponseBody is the message used when the server returns an empty error body.
const noResponseBody = "no response body"

// maxErrorBody bounds how much of a non-200 body is kept for error messages.
const maxErrorBody = 512

// GetPostResult is the outcome of one HTTP exchange, after redirects.
type GetPostResult struct {
	Success    bool
	StatusCode int
	Body       []byte
	Headers    http.Header
	// Err describes why the exchange failed. Nil when Success is true.
	Err error
}

// Decode unmarshals the body into v. A failed result or malformed body is an error.
func (r *GetPostResult) Decode(v any) error {
	if !r.Success {
		if r.Err != nil {
			return r.Err
		}
		return ErrRequestFailed
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: decoding response: %w", ErrRequestFailed, err)
	}
	return nil
}

func failed(status int, headers http.Header, err error) *GetPostResult {
	return &GetPostResult{StatusCode: status, Headers: headers, Err: err}
}

// Sender performs HTTP exchanges. Transport is the production implementation.
type Sender interface {
	Send(ctx context.Context, req *Request, encodeAsJSON bool) *GetPostResult
}

// TransportConfig configures the HTTP transport.
type TransportConfig struct {
	// Timeout bounds each request including reading the body (default: 20 seconds).
	Timeout time.Duration
	// ProxyAddress is an optional "host:port" HTTP proxy.
	ProxyAddress string
	// MaxRedirects bounds how many redirects one Send follows (default: 10).
	MaxRedirects int
}

// DefaultTransportConfig returns the default transport configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Timeout:      20 * time.Second,
		MaxRedirects: 10,
	}
}

// Transport sends Requests over HTTP. Redirects are followed by rewriting the
// request's BaseURL and re-sending it with the same method and body.
type Transport struct {
	httpClient   *http.Client
	proxy        func(*http.Request) (*url.URL, error)
	timeout      time.Duration
	maxRedirects int
	logger       *logging.Logger
}

// NewTransport creates a Transport. It fails only on an unparseable proxy address.
func NewTransport(cfg TransportConfig, logger *logging.Logger) (*Transport, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTransportConfig().Timeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultTransportConfig().MaxRedirects
	}

	proxy, err := proxyFunc(cfg.ProxyAddress)
	if err != nil {
		return nil, err
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.Proxy = proxy

	return &Transport{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: base,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		proxy:        proxy,
		timeout:      cfg.Timeout,
		maxRedirects: cfg.MaxRedirects,
		logger:       logger.Component("transport"),
	}, nil
}

// proxyFunc returns the proxy selector for addr. An empty addr uses no proxy,
// including none from the environment.
func proxyFunc(addr string) (func(*http.Request) (*url.URL, error), error) {
	if addr == "" {
		return nil, nil
	}
	u, err := url.Parse("http://" + addr)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy address %q", addr)
	}
	return http.ProxyURL(u), nil
}

// Proxy returns the proxy selector shared with the WebSocket dialer (may be nil).
func (t *Transport) Proxy() func(*http.Request) (*url.URL, error) {
	return t.proxy
}

// Timeout returns the per-request timeout.
func (t *Transport) Timeout() time.Duration {
	return t.timeout
}

// Ensure Transport implements Sender at compile time.
var _ Sender = (*Transport)(nil)

// Send performs req and classifies the response:
//   - 301, 302, 303, 307, 308: BaseURL is replaced by Location and the request is re-sent.
//   - 200: success with the body.
//   - 426: failure carrying the response headers.
//   - anything else: failure.
//
// Send never returns an error or panics; failures are reported in the result.
func (t *Transport) Send(ctx context.Context, req *Request, encodeAsJSON bool) (result *GetPostResult) {
	if req == nil {
		return failed(0, nil, fmt.Errorf("%w: nil request", ErrRequestFailed))
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("request panicked", "url", redactURL(req.BaseURL), "panic", r)
			result = failed(0, nil, fmt.Errorf("%w: panic: %v", ErrRequestFailed, r))
		}
	}()

	method, contentType, body, err := encodeRequest(req, encodeAsJSON)
	if err != nil {
		t.logger.Error("encoding request", "url", redactURL(req.BaseURL), "error", err)
		return failed(0, nil, fmt.Errorf("%w: %w", ErrRequestFailed, err))
	}

	for redirects := 0; ; redirects++ {
		resp, err := t.do(ctx, req, method, contentType, body, encodeAsJSON)
		if err != nil {
			t.logger.Warn("request failed", "method", method, "url", redactURL(req.BaseURL), "error", err)
			return failed(0, nil, fmt.Errorf("%w: %w", ErrRequestFailed, err))
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			drainAndClose(resp)
			next, err := redirectTarget(req.BaseURL, resp.Header.Get("Location"))
			if err != nil {
				t.logger.Warn("bad redirect", "status", resp.StatusCode, "error", err)
				return failed(resp.StatusCode, resp.Header, fmt.Errorf("%w: %w", ErrRequestFailed, err))
			}
			if redirects >= t.maxRedirects {
				t.logger.Warn("too many redirects", "limit", t.maxRedirects)
				return failed(resp.StatusCode, resp.Header, fmt.Errorf("%w: stopped after %d redirects", ErrRequestFailed, t.maxRedirects))
			}
			t.logger.Debug("following redirect", "status", resp.StatusCode, "location", redactURL(next))
			req.BaseURL = next
			continue

		case http.StatusOK:
			data, err := io.ReadAll(resp.Body)
			drainAndClose(resp)
			if err != nil {
				t.logger.Warn("reading response body", "url", redactURL(req.BaseURL), "error", err)
				return failed(resp.StatusCode, resp.Header, fmt.Errorf("%w: reading body: %w", ErrRequestFailed, err))
			}
			t.logger.Trace("response", "url", redactURL(req.BaseURL), "bytes", len(data))
			return &GetPostResult{Success: true, StatusCode: resp.StatusCode, Body: data, Headers: resp.Header}

		case http.StatusUpgradeRequired:
			drainAndClose(resp)
			t.logger.Warn("server requires protocol upgrade", "url", redactURL(req.BaseURL))
			return failed(resp.StatusCode, resp.Header, &StatusError{StatusCode: resp.StatusCode, Message: "upgrade required"})

		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			drainAndClose(resp)
			text := strings.TrimSpace(string(msg))
			if text == "" {
				text = noResponseBody
			}
			t.logger.Warn("unexpected status", "status", resp.StatusCode, "url", redactURL(req.BaseURL))
			return failed(resp.StatusCode, resp.Header, &StatusError{StatusCode: resp.StatusCode, Message: text})
		}
	}
}

// do sends one attempt of req.
func (t *Transport) do(ctx context.Context, req *Request, method, contentType string, body []byte, encodeAsJSON bool) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.BaseURL, rdr)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	// Form posts carry their properties in the body; everything else as headers.
	if method == http.MethodGet || encodeAsJSON {
		req.Properties.Each(func(k, v string) {
			httpReq.Header.Set(k, v)
		})
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	return resp, nil
}

// encodeRequest determines the HTTP method and body of req.
func encodeRequest(req *Request, encodeAsJSON bool) (method, contentType string, body []byte, err error) {
	switch req.Type {
	case MessageGetRequest:
		return http.MethodGet, "", nil, nil
	case MessagePostRequest:
		if encodeAsJSON {
			payload := req.Payload
			if payload == nil {
				payload = struct{}{}
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return "", "", nil, fmt.Errorf("encoding JSON payload: %w", err)
			}
			return http.MethodPost, "application/json", data, nil
		}
		return http.MethodPost, "application/x-www-form-urlencoded", []byte(req.Properties.Encode()), nil
	default:
		return "", "", nil, fmt.Errorf("message type %s is not an HTTP request", req.Type)
	}
}

// redirectTarget resolves location against the current URL.
func redirectTarget(current, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("redirect without Location header")
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("parsing current URL: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parsing Location %q: %w", location, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// drainAndClose drains and closes the response body to enable connection reuse.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// redactURL strips the query string, which may carry tokens.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
