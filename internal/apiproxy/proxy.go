// Package apiproxy invokes the external HTTP APIs that service tasks and
// compensations call. Calls are addressed by method id; the URL, verb and
// headers of each method come from configuration.
package apiproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024
)

// Method describes one callable API operation. URL may contain {param}
// placeholders which are filled from the call params.
type Method struct {
	ID      string            `json:"id" mapstructure:"id"`
	Verb    string            `json:"method" mapstructure:"method"`
	URL     string            `json:"url" mapstructure:"url"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Timeout time.Duration     `json:"timeout,omitempty" mapstructure:"timeout"`
}

// Response is the outcome of an API call that was attempted. Transport errors
// and non-2xx statuses produce IsSuccess=false.
type Response struct {
	IsSuccess    bool            `json:"is_success"`
	StatusCode   int             `json:"status_code"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Invoker is the contract service tasks and compensations depend on.
type Invoker interface {
	Invoke(ctx context.Context, methodID string, params map[string]any) (*Response, error)
}

// Config configures an HTTPProxy.
type Config struct {
	Client          *http.Client
	MaxResponseBody int64
	Breakers        *Breakers
	Logger          *slog.Logger
}

// HTTPProxy is the net/http Invoker.
type HTTPProxy struct {
	client   *http.Client
	maxBody  int64
	breakers *Breakers
	logger   *slog.Logger

	mu      sync.RWMutex
	methods map[string]Method
}

var _ Invoker = (*HTTPProxy)(nil)

func NewHTTPProxy(cfg Config) *HTTPProxy {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewBreakers(DefaultBreakerConfig(), nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPProxy{
		client:   cfg.Client,
		maxBody:  cfg.MaxResponseBody,
		breakers: cfg.Breakers,
		logger:   cfg.Logger,
		methods:  make(map[string]Method),
	}
}

// Register adds or replaces a method.
func (p *HTTPProxy) Register(m Method) error {
	if m.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "api method: missing id")
	}
	u, err := url.Parse(m.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "api method %q: invalid url %q", m.ID, m.URL)
	}
	if m.Verb == "" {
		m.Verb = http.MethodPost
	}
	m.Verb = strings.ToUpper(m.Verb)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.methods[m.ID] = m
	return nil
}

// Has reports whether methodID is registered.
func (p *HTTPProxy) Has(methodID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.methods[methodID]
	return ok
}

// Invoke calls methodID. Unknown methods and open circuits are returned as
// errors; anything that reached the remote side is reported in the Response.
func (p *HTTPProxy) Invoke(ctx context.Context, methodID string, params map[string]any) (*Response, error) {
	p.mu.RLock()
	m, ok := p.methods[methodID]
	p.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "api method %q is not registered", methodID)
	}
	if err := p.breakers.Allow(methodID); err != nil {
		return nil, err
	}

	resp := p.do(ctx, m, params)
	if resp.IsSuccess {
		p.breakers.Success(methodID)
	} else if resp.StatusCode == 0 || resp.StatusCode >= 500 {
		if p.breakers.Failure(methodID) == CircuitOpen {
			p.logger.WarnContext(ctx, "api circuit opened", slog.String("method", methodID))
		}
	}
	return resp, nil
}

func (p *HTTPProxy) do(ctx context.Context, m Method, params map[string]any) *Response {
	target, rest := expandURL(m.URL, params)

	var body io.Reader
	switch m.Verb {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		if len(rest) > 0 {
			target = appendQuery(target, rest)
		}
	default:
		b, err := json.Marshal(rest)
		if err != nil {
			return &Response{ErrorMessage: fmt.Sprintf("encode request: %v", err)}
		}
		body = bytes.NewReader(b)
	}

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, m.Verb, target, body)
	if err != nil {
		return &Response{ErrorMessage: fmt.Sprintf("build request: %v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	res, err := p.client.Do(req)
	if err != nil {
		return &Response{ErrorMessage: fmt.Sprintf("request failed: %v", err)}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, p.maxBody))
	if err != nil {
		return &Response{StatusCode: res.StatusCode, ErrorMessage: fmt.Sprintf("read response: %v", err)}
	}

	p.logger.DebugContext(ctx, "api call",
		slog.String("method", m.ID),
		slog.Int("status", res.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	out := &Response{StatusCode: res.StatusCode, ResponseBody: toJSON(raw)}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		out.IsSuccess = true
	} else {
		out.ErrorMessage = fmt.Sprintf("%s %s returned %d", m.Verb, m.ID, res.StatusCode)
	}
	return out
}

// expandURL substitutes {name} placeholders and returns the params that were not consumed.
func expandURL(raw string, params map[string]any) (string, map[string]any) {
	rest := make(map[string]any, len(params))
	for k, v := range params {
		placeholder := "{" + k + "}"
		if strings.Contains(raw, placeholder) {
			raw = strings.ReplaceAll(raw, placeholder, url.PathEscape(fmt.Sprint(v)))
			continue
		}
		rest[k] = v
	}
	return raw, rest
}

func appendQuery(target string, params map[string]any) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, fmt.Sprint(v))
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + q.Encode()
}

// toJSON keeps JSON bodies as-is and wraps anything else in a JSON string.
func toJSON(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	b, _ := json.Marshal(string(raw))
	return b
}
