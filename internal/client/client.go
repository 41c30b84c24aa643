package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gojektech/heimdall/v6"
	"github.com/gojektech/heimdall/v6/httpclient"

	"corpcall/internal/cache"
	"corpcall/internal/call"
)

type TraceEvent struct {
	Stage      string
	Method     string
	URL        string
	StatusCode int
	Attempt    int
	DurationMs int64
	Response   string
	Error      string
}

// Response is a received HTTP response, whatever its status.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	// URL is the request URL without credentials.
	URL      string
	Duration time.Duration
}

// Error is a request that produced no response.
type Error struct {
	URL     string
	Timeout bool
	msg     string
	cause   error
}

func (e *Error) Error() string {
	if e.URL == "" {
		return e.msg
	}
	return fmt.Sprintf("GET %s: %s", e.URL, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

type Options struct {
	// Timeout bounds one HTTP attempt; zero means defaultTimeout.
	Timeout time.Duration
	// Retries is the number of extra attempts after a transport error or a
	// 5xx status.
	Retries      int
	RetryBackoff time.Duration
	UserAgent    string
}

type API struct {
	http      *httpclient.Client
	plugin    *tracePlugin
	userAgent string

	mu    sync.RWMutex
	trace func(TraceEvent)
}

const (
	defaultTimeout        = 120 * time.Second
	defaultRetryBackoff   = 300 * time.Millisecond
	maxRetryJitter        = 100 * time.Millisecond
	connectTimeout        = 10 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
	keepAliveTimeout      = 30 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConns          = 100
	maxIdleConnsPerHost   = 32
	traceBodyLimit        = 2 << 10
)

func New(opts Options) *API {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: keepAliveTimeout,
	}
	doer := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   tlsHandshakeTimeout,
			ExpectContinueTimeout: expectContinueTimeout,
			IdleConnTimeout:       idleConnTimeout,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		},
		Timeout: timeout,
	}
	return NewWithDoer(doer, opts)
}

// NewWithDoer builds an API on top of an existing HTTP client, keeping the
// retry policy from opts.
func NewWithDoer(doer heimdall.Doer, opts Options) *API {
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	retrier := heimdall.NewNoRetrier()
	if opts.Retries > 0 {
		retrier = heimdall.NewRetrier(heimdall.NewConstantBackoff(backoff, maxRetryJitter))
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	a := &API{userAgent: opts.UserAgent}
	a.http = httpclient.NewClient(
		httpclient.WithHTTPClient(doer),
		httpclient.WithRetryCount(retries),
		httpclient.WithRetrier(retrier),
	)
	a.plugin = &tracePlugin{api: a, started: map[*http.Request]attemptStart{}}
	a.http.AddPlugin(a.plugin)
	return a
}

func (a *API) SetTrace(fn func(TraceEvent)) {
	a.mu.Lock()
	a.trace = fn
	a.mu.Unlock()
}

func (a *API) emitTrace(ev TraceEvent) {
	a.mu.RLock()
	fn := a.trace
	a.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// Endpoint joins a server host and a call type into the request base URL.
func Endpoint(host string, t call.Type) string {
	return strings.TrimRight(host, "/") + "/" + string(t)
}

// Get performs one call: GET host/<type>?query. Non-2xx statuses are returned
// as a Response, not as an error.
func (a *API) Get(ctx context.Context, host string, t call.Type, query url.Values) (Response, error) {
	base := Endpoint(host, t)
	u, err := url.Parse(base)
	if err != nil {
		return Response{}, &Error{msg: fmt.Sprintf("invalid host %q: %v", host, err)}
	}
	u.RawQuery = query.Encode()
	shown := cache.RedactURL(u.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, &Error{URL: shown, msg: scrub(err.Error(), query), cause: err}
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	start := time.Now()
	defer a.plugin.forget(req)
	resp, err := a.http.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return Response{}, a.requestError(ctx, shown, err, query)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, a.requestError(ctx, shown, err, query)
	}
	out := Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		URL:         shown,
		Duration:    time.Since(start),
	}
	a.emitTrace(TraceEvent{
		Stage:      "response",
		Method:     http.MethodGet,
		URL:        shown,
		StatusCode: resp.StatusCode,
		DurationMs: out.Duration.Milliseconds(),
		Response:   scrub(traceBody(body), query),
	})
	return out, nil
}

func (a *API) requestError(ctx context.Context, shown string, err error, query url.Values) error {
	e := &Error{URL: shown, msg: scrub(err.Error(), query)}
	if ctxErr := ctx.Err(); ctxErr != nil {
		e.cause = ctxErr
		e.Timeout = errors.Is(ctxErr, context.DeadlineExceeded)
		return e
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		e.Timeout = true
	}
	msg := strings.ToLower(e.msg)
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		e.Timeout = true
	}
	return e
}

// scrub masks credential values the transport may have echoed into text.
func scrub(s string, query url.Values) string {
	for _, k := range call.CredentialKeys() {
		for _, v := range query[k] {
			if v == "" {
				continue
			}
			s = strings.ReplaceAll(s, url.QueryEscape(v), "REDACTED")
			s = strings.ReplaceAll(s, v, "REDACTED")
		}
	}
	return s
}

func traceBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		if len(b) > traceBodyLimit {
			return string(b[:traceBodyLimit]) + "..."
		}
		return string(b)
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("<binary bytes=%d sha256=%s>", len(b), hex.EncodeToString(sum[:]))
}

type attemptStart struct {
	at      time.Time
	attempt int
}

// tracePlugin reports every attempt heimdall makes, retries included.
type tracePlugin struct {
	api *API

	mu      sync.Mutex
	started map[*http.Request]attemptStart
}

func (p *tracePlugin) begin(req *http.Request) attemptStart {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := attemptStart{at: time.Now(), attempt: p.started[req].attempt + 1}
	p.started[req] = s
	return s
}

func (p *tracePlugin) current(req *http.Request) attemptStart {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started[req]
}

func (p *tracePlugin) forget(req *http.Request) {
	p.mu.Lock()
	delete(p.started, req)
	p.mu.Unlock()
}

func (p *tracePlugin) OnRequestStart(req *http.Request) {
	s := p.begin(req)
	p.api.emitTrace(TraceEvent{
		Stage:   "request",
		Method:  req.Method,
		URL:     cache.RedactURL(req.URL.String()),
		Attempt: s.attempt,
	})
}

func (p *tracePlugin) OnRequestEnd(req *http.Request, resp *http.Response) {
	s := p.current(req)
	stage := "attempt"
	if resp.StatusCode >= http.StatusInternalServerError {
		stage = "server_error"
	}
	p.api.emitTrace(TraceEvent{
		Stage:      stage,
		Method:     req.Method,
		URL:        cache.RedactURL(req.URL.String()),
		StatusCode: resp.StatusCode,
		Attempt:    s.attempt,
		DurationMs: time.Since(s.at).Milliseconds(),
	})
}

func (p *tracePlugin) OnError(req *http.Request, err error) {
	s := p.current(req)
	p.api.emitTrace(TraceEvent{
		Stage:      "error",
		Method:     req.Method,
		URL:        cache.RedactURL(req.URL.String()),
		Attempt:    s.attempt,
		DurationMs: time.Since(s.at).Milliseconds(),
		Error:      scrub(err.Error(), req.URL.Query()),
	})
}
