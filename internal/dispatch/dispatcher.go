package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"corpcall/internal/cache"
	"corpcall/internal/call"
	"corpcall/internal/client"
	"corpcall/internal/throttle"
)

type Mode int

const (
	Sequential Mode = iota
	Concurrent
)

func (m Mode) String() string {
	if m == Concurrent {
		return "concurrent"
	}
	return "sequential"
}

// Endpoint is one corpus server. Concurrent is configuration, not something
// negotiated with the server.
type Endpoint struct {
	Name       string
	Host       string
	Concurrent bool
	Wait       throttle.Policy
}

// Getter issues a single HTTP call. *client.API implements it.
type Getter interface {
	Get(ctx context.Context, host string, t call.Type, query url.Values) (client.Response, error)
}

type Options struct {
	Mode        Mode
	HaltOnError bool
	// Concurrency bounds in-flight calls in concurrent mode; zero means
	// DefaultConcurrency().
	Concurrency int
	// Refresh ignores cached entries and replaces them with fresh responses.
	Refresh bool
	// Timeout bounds each network call; zero means no per-call limit.
	Timeout time.Duration
}

// Result is the outcome of one spec. Exactly one of Entry and Err describes
// the response, except for ServiceError and cache write failures, where Entry
// holds the received response as well.
type Result struct {
	Index     int
	Spec      call.Spec
	Key       call.Key
	Entry     *cache.Entry
	Err       error
	FromCache bool
	Attempted bool
	Elapsed   time.Duration
}

func (r Result) OK() bool { return r.Err == nil }

// EventFunc receives progress events; fields never contain credentials.
type EventFunc func(event string, fields map[string]any)

type Dispatcher struct {
	endpoint Endpoint
	client   Getter
	store    cache.Store
	creds    map[string]string
	metrics  *Metrics
	onEvent  EventFunc
	sleep    func(context.Context, time.Duration) error
}

type Option func(*Dispatcher)

// WithCredentials sets the parameters injected into every outbound request
// (username, api_key). Values already present in a spec win.
func WithCredentials(creds map[string]string) Option {
	return func(d *Dispatcher) {
		d.creds = make(map[string]string, len(creds))
		for k, v := range creds {
			if v != "" {
				d.creds[k] = v
			}
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithEvents(fn EventFunc) Option {
	return func(d *Dispatcher) { d.onEvent = fn }
}

// WithSleep replaces the throttle wait, mainly for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

func New(endpoint Endpoint, c Getter, store cache.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoint: endpoint,
		client:   c,
		store:    store,
		sleep:    throttle.Sleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Endpoint() Endpoint { return d.endpoint }

// DefaultConcurrency is min(32, NumCPU+4).
func DefaultConcurrency() int {
	n := runtime.NumCPU() + 4
	if n > 32 {
		return 32
	}
	return n
}

// Prepare applies type defaults, validates the spec and computes its cache
// key. The returned spec is the one that is dispatched.
func Prepare(s call.Spec) (call.Spec, call.Key, error) {
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return s, "", err
	}
	key, err := call.KeyOf(s)
	if err != nil {
		return s, "", &call.ValidationError{Type: s.Type, Reason: err.Error()}
	}
	return s, key, nil
}

// Run executes specs and returns one Result per spec, in input order. The
// returned error is ErrHalted when halt-on-error stopped the job, the context
// error when it was cancelled, and nil otherwise; per-spec failures are in the
// results.
func (d *Dispatcher) Run(ctx context.Context, specs []call.Spec, opts Options) ([]Result, error) {
	if opts.Mode == Concurrent && !d.endpoint.Concurrent {
		return nil, fmt.Errorf("%w: %s", ErrConcurrencyUnsupported, d.endpointName())
	}
	results := make([]Result, len(specs))
	for i, s := range specs {
		prepared, key, err := Prepare(s)
		results[i] = Result{Index: i, Spec: prepared, Key: key, Err: err}
		if err != nil {
			d.metrics.failure(prepared.Type, err)
			d.emit("call_invalid", map[string]any{"index": i, "type": string(prepared.Type), "error": err.Error()})
		}
	}
	if opts.Mode == Concurrent {
		return d.runConcurrent(ctx, results, opts)
	}
	return d.runSequential(ctx, results, opts)
}

func (d *Dispatcher) runSequential(ctx context.Context, results []Result, opts Options) ([]Result, error) {
	network := 0
	fetched := map[call.Key]bool{}
	var stop error
	for i := range results {
		r := &results[i]
		if r.Err != nil {
			continue
		}
		if stop != nil {
			d.skip(r, stop)
			continue
		}
		if err := ctx.Err(); err != nil {
			stop = err
			d.skip(r, stop)
			continue
		}
		if !opts.Refresh || fetched[r.Key] {
			if hit, ok := d.lookup(ctx, r.Spec, r.Key); ok {
				hit.Index = i
				*r = hit
				if opts.HaltOnError && haltsJob(r.Err) {
					stop = fmt.Errorf("%w: %w", ErrHalted, r.Err)
				}
				continue
			}
		}
		network++
		if network > 1 {
			wait := d.endpoint.Wait.DelayFor(network)
			if wait > 0 {
				d.emit("throttle_wait", map[string]any{"index": i, "call": network, "wait_ms": wait.Milliseconds()})
				if err := d.sleep(ctx, wait); err != nil {
					stop = err
					d.skip(r, stop)
					continue
				}
				d.metrics.waited(wait)
			}
		}
		*r = d.fetch(ctx, i, r.Spec, r.Key, opts)
		fetched[r.Key] = true
		if opts.HaltOnError && haltsJob(r.Err) {
			stop = fmt.Errorf("%w: %w", ErrHalted, r.Err)
		}
	}
	return results, runError(ctx, stop)
}

func (d *Dispatcher) runConcurrent(ctx context.Context, results []Result, opts Options) ([]Result, error) {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency()
	}
	sem := semaphore.NewWeighted(int64(limit))
	var (
		group   singleflight.Group
		wg      sync.WaitGroup
		halted  atomic.Bool
		mu      sync.Mutex
		stop    error
		fetched sync.Map
	)
	halt := func(err error) {
		mu.Lock()
		if stop == nil {
			stop = err
		}
		mu.Unlock()
		halted.Store(true)
	}
	// cached reports a usable cache hit. With Refresh only keys already
	// fetched by this job are read back.
	cached := func(r *Result) (Result, bool) {
		if opts.Refresh {
			if _, ok := fetched.Load(r.Key); !ok {
				return Result{}, false
			}
		}
		return d.lookup(ctx, r.Spec, r.Key)
	}
	for i := range results {
		if results[i].Err != nil {
			continue
		}
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := &results[i]
			settle := func(res Result) {
				res.Index = i
				res.Spec = r.Spec
				*r = res
				if opts.HaltOnError && haltsJob(res.Err) {
					halt(fmt.Errorf("%w: %w", ErrHalted, res.Err))
				}
			}
			if hit, ok := cached(r); ok {
				settle(hit)
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				d.skip(r, err)
				return
			}
			defer sem.Release(1)
			if halted.Load() {
				mu.Lock()
				reason := stop
				mu.Unlock()
				d.skip(r, reason)
				return
			}
			if err := ctx.Err(); err != nil {
				d.skip(r, err)
				return
			}
			// Identical specs share one request while it is in flight; a
			// later duplicate finds the stored entry instead.
			v, _, _ := group.Do(string(r.Key), func() (any, error) {
				if hit, ok := cached(r); ok {
					return hit, nil
				}
				res := d.fetch(ctx, i, r.Spec, r.Key, opts)
				fetched.Store(r.Key, true)
				return res, nil
			})
			settle(v.(Result))
		}()
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	return results, runError(ctx, stop)
}

func runError(ctx context.Context, stop error) error {
	if stop != nil {
		return stop
	}
	return ctx.Err()
}

func (d *Dispatcher) skip(r *Result, reason error) {
	r.Err = fmt.Errorf("%w: %v", ErrNotAttempted, reason)
	r.Attempted = false
	d.metrics.failure(r.Spec.Type, r.Err)
}

// lookup returns a cache hit, or ok=false on a miss. Read failures are
// reported and treated as misses.
func (d *Dispatcher) lookup(ctx context.Context, s call.Spec, key call.Key) (Result, bool) {
	if d.store == nil {
		return Result{}, false
	}
	e, ok, err := d.store.Get(ctx, key)
	if err != nil {
		d.emit("cache_read_error", map[string]any{"key": string(key), "error": err.Error()})
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	r := Result{Spec: s, Key: key, Entry: &e, FromCache: true}
	if e.Failed() {
		r.Err = &ServiceError{Type: s.Type, Key: key, URL: e.URL, Message: e.ServiceError, Cached: true}
		d.metrics.failure(s.Type, r.Err)
	}
	d.metrics.call(s.Type, true)
	d.emit("call_cached", map[string]any{"type": string(s.Type), "key": key.Short()})
	return r, true
}

// fetch performs the network call for a cache miss and stores the response
// according to cache.Cacheable.
func (d *Dispatcher) fetch(ctx context.Context, index int, s call.Spec, key call.Key, opts Options) Result {
	r := Result{Index: index, Spec: s, Key: key, Attempted: true}
	if opts.Refresh && d.store != nil {
		if err := d.store.Delete(ctx, key); err != nil {
			d.emit("cache_delete_error", map[string]any{"key": string(key), "error": err.Error()})
		}
	}

	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	format := s.EffectiveFormat()
	start := time.Now()
	d.emit("call_sent", map[string]any{"index": index, "type": string(s.Type), "key": key.Short()})
	resp, err := d.client.Get(reqCtx, d.endpoint.Host, s.Type, s.Query(d.creds))
	r.Elapsed = time.Since(start)
	d.metrics.call(s.Type, false)
	d.metrics.request(s.Type, r.Elapsed)

	if err != nil {
		te := &TransportError{Type: s.Type, Key: key, Err: err}
		var ce *client.Error
		if errors.As(err, &ce) {
			te.URL = ce.URL
			te.Timeout = ce.Timeout
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			te.Timeout = true
		}
		return d.failed(r, te)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return d.failed(r, &TransportError{
			Type:       s.Type,
			Key:        key,
			URL:        resp.URL,
			StatusCode: resp.StatusCode,
			Body:       snippet(cache.RedactBody(format, resp.ContentType, resp.Body, d.creds)),
		})
	}

	entry := cache.Entry{
		Key:          key,
		Type:         s.Type,
		Format:       format,
		StatusCode:   resp.StatusCode,
		ContentType:  resp.ContentType,
		ServiceError: cache.ServiceError(format, resp.ContentType, resp.Body),
		URL:          resp.URL,
		Body:         cache.RedactBody(format, resp.ContentType, resp.Body, d.creds),
		CreatedAt:    time.Now(),
	}
	r.Entry = &entry
	cached := false
	if d.store != nil && cache.Cacheable(entry) {
		if err := d.store.Put(ctx, entry); err != nil {
			r.Err = fmt.Errorf("%w: %s %s: %v", errCacheWrite, s.Type, key.Short(), err)
			d.metrics.failure(s.Type, r.Err)
			d.emit("cache_write_error", map[string]any{"key": string(key), "error": err.Error()})
			return r
		}
		cached = true
	}
	if entry.Failed() {
		r.Err = &ServiceError{Type: s.Type, Key: key, URL: entry.URL, Message: entry.ServiceError, Cached: cached}
		d.metrics.failure(s.Type, r.Err)
		d.emit("service_error", map[string]any{"type": string(s.Type), "key": key.Short(), "url": entry.URL, "error": entry.ServiceError, "cached": cached})
		return r
	}
	d.emit("call_done", map[string]any{"type": string(s.Type), "key": key.Short(), "status": resp.StatusCode, "duration_ms": r.Elapsed.Milliseconds(), "cached": cached})
	return r
}

func (d *Dispatcher) failed(r Result, te *TransportError) Result {
	r.Err = te
	d.metrics.failure(r.Spec.Type, te)
	fields := map[string]any{"type": string(r.Spec.Type), "key": r.Key.Short(), "error": te.Error()}
	if te.URL != "" {
		fields["url"] = te.URL
	}
	d.emit("transport_error", fields)
	return r
}

func (d *Dispatcher) emit(event string, fields map[string]any) {
	if d.onEvent != nil {
		d.onEvent(event, fields)
	}
}

func (d *Dispatcher) endpointName() string {
	if d.endpoint.Name != "" {
		return d.endpoint.Name
	}
	return d.endpoint.Host
}

const snippetLimit = 200

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= snippetLimit {
		return s
	}
	n := snippetLimit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
