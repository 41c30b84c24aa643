package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"corpcall/internal/cache"
	"corpcall/internal/call"
	"corpcall/internal/client"
	"corpcall/internal/throttle"
)

type getterFunc func(ctx context.Context, host string, t call.Type, q url.Values) (client.Response, error)

type fakeServer struct {
	mu      sync.Mutex
	calls   int
	queries []url.Values
	handle  getterFunc
}

func (f *fakeServer) Get(ctx context.Context, host string, t call.Type, q url.Values) (client.Response, error) {
	f.mu.Lock()
	f.calls++
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.handle != nil {
		return f.handle(ctx, host, t, q)
	}
	return jsonResp(fmt.Sprintf(`{"q":%q}`, q.Get("q"))), nil
}

func (f *fakeServer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func jsonResp(body string) client.Response {
	return client.Response{StatusCode: 200, ContentType: "application/json", Body: []byte(body), URL: "http://corpus/run.cgi/x"}
}

func freqs(q string) call.Spec {
	return call.Spec{Type: call.Freqs, Params: call.Params{"corpname": "susanne", "q": q, "fcrit": "word/ 0"}}
}

func memStore(t *testing.T) cache.Store {
	t.Helper()
	s, err := cache.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seq() Endpoint { return Endpoint{Name: "test", Host: "http://corpus/run.cgi"} }

func TestSequentialCacheRoundTrip(t *testing.T) {
	srv := &fakeServer{}
	d := New(seq(), srv, memStore(t))
	specs := []call.Spec{freqs(`q"day"`)}

	first, err := d.Run(context.Background(), specs, Options{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first[0].Err != nil || first[0].FromCache || !first[0].Attempted {
		t.Fatalf("first=%+v", first[0])
	}
	second, err := d.Run(context.Background(), specs, Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !second[0].FromCache || second[0].Err != nil {
		t.Fatalf("second=%+v", second[0])
	}
	if srv.count() != 1 {
		t.Fatalf("network calls=%d want=1", srv.count())
	}
	if string(second[0].Entry.Body) != string(first[0].Entry.Body) {
		t.Fatalf("cached body=%s want %s", second[0].Entry.Body, first[0].Entry.Body)
	}

	refreshed, _ := d.Run(context.Background(), specs, Options{Refresh: true})
	if refreshed[0].FromCache || srv.count() != 2 {
		t.Fatalf("refresh from_cache=%v calls=%d", refreshed[0].FromCache, srv.count())
	}
}

func TestServiceErrorCacheAsymmetry(t *testing.T) {
	srv := &fakeServer{handle: func(ctx context.Context, host string, typ call.Type, q url.Values) (client.Response, error) {
		return jsonResp(`{"error":"Query incorrect"}`), nil
	}}
	store := memStore(t)
	d := New(seq(), srv, store)

	asJSON := freqs("[bad")
	asCSV := freqs("[bad")
	asCSV.Format = call.CSV
	results, err := d.Run(context.Background(), []call.Spec{asJSON, asCSV}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		var se *ServiceError
		if !errors.As(r.Err, &se) || se.Message != "Query incorrect" {
			t.Fatalf("result %d err=%v", i, r.Err)
		}
	}
	if _, ok, _ := store.Get(context.Background(), results[0].Key); ok {
		t.Fatal("json service error must not be cached")
	}
	if _, ok, _ := store.Get(context.Background(), results[1].Key); !ok {
		t.Fatal("csv service error must be cached")
	}

	again, _ := d.Run(context.Background(), []call.Spec{asJSON, asCSV}, Options{})
	if again[0].FromCache || !again[1].FromCache {
		t.Fatalf("from_cache json=%v csv=%v", again[0].FromCache, again[1].FromCache)
	}
	var se *ServiceError
	if !errors.As(again[1].Err, &se) || !se.Cached {
		t.Fatalf("cached csv should still report the service error, got %v", again[1].Err)
	}
	if srv.count() != 3 {
		t.Fatalf("network calls=%d want=3", srv.count())
	}
}

func TestSequentialThrottleCountsNetworkCallsOnly(t *testing.T) {
	srv := &fakeServer{}
	store := memStore(t)
	var waits []time.Duration
	ep := seq()
	ep.Wait = throttle.MustParse(map[string]*int{"0": throttle.Bound(1), "2": throttle.Bound(2), "5": nil})
	d := New(ep, srv, store, WithSleep(func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))

	if _, err := d.Run(context.Background(), []call.Spec{freqs("q2")}, Options{}); err != nil {
		t.Fatal(err)
	}
	if len(waits) != 0 {
		t.Fatalf("first network call must not wait, waits=%v", waits)
	}

	specs := []call.Spec{freqs("q1"), freqs("q2"), freqs("q3"), freqs("q4")}
	results, err := d.Run(context.Background(), specs, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !results[1].FromCache {
		t.Fatal("q2 should come from cache")
	}
	want := []time.Duration{2 * time.Second, 5 * time.Second}
	if fmt.Sprint(waits) != fmt.Sprint(want) {
		t.Fatalf("waits=%v want=%v", waits, want)
	}
}

func TestSequentialThrottleCancelled(t *testing.T) {
	srv := &fakeServer{}
	ep := seq()
	ep.Wait = throttle.MustParse(map[string]*int{"0": throttle.Bound(1), "1": nil})
	d := New(ep, srv, memStore(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	results, err := d.Run(ctx, []call.Spec{freqs("a"), freqs("b"), freqs("c")}, Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("first call should succeed: %v", results[0].Err)
	}
	for _, r := range results[1:] {
		if !errors.Is(r.Err, ErrNotAttempted) {
			t.Fatalf("result %d err=%v", r.Index, r.Err)
		}
	}
	if srv.count() != 1 {
		t.Fatalf("calls=%d", srv.count())
	}
}

func failOn(q string, status int) *fakeServer {
	return &fakeServer{handle: func(ctx context.Context, host string, typ call.Type, query url.Values) (client.Response, error) {
		if query.Get("q") == q {
			return client.Response{StatusCode: status, Body: []byte("internal error"), URL: "http://corpus/run.cgi/freqs"}, nil
		}
		return jsonResp(`{}`), nil
	}}
}

func TestHaltOnError(t *testing.T) {
	specs := []call.Spec{freqs("a"), freqs("b"), freqs("c")}

	srv := failOn("b", 500)
	results, err := New(seq(), srv, memStore(t)).Run(context.Background(), specs, Options{HaltOnError: true})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("err=%v want ErrHalted", err)
	}
	var te *TransportError
	if !errors.As(results[1].Err, &te) || te.StatusCode != 500 {
		t.Fatalf("result 1 err=%v", results[1].Err)
	}
	if !errors.Is(results[2].Err, ErrNotAttempted) || results[2].Attempted {
		t.Fatalf("result 2=%+v", results[2])
	}
	if srv.count() != 2 {
		t.Fatalf("calls=%d want=2", srv.count())
	}

	srv = failOn("b", 500)
	store := memStore(t)
	results, err = New(seq(), srv, store).Run(context.Background(), specs, Options{})
	if err != nil {
		t.Fatalf("without halt err=%v", err)
	}
	if results[0].Err != nil || results[1].Err == nil || results[2].Err != nil {
		t.Fatalf("results=%v %v %v", results[0].Err, results[1].Err, results[2].Err)
	}
	if _, ok, _ := store.Get(context.Background(), results[1].Key); ok {
		t.Fatal("http errors must not be cached")
	}
	if Kind(results[1].Err) != "transport" {
		t.Fatalf("kind=%q", Kind(results[1].Err))
	}
}

func TestValidationErrorDoesNotHalt(t *testing.T) {
	srv := &fakeServer{}
	bad := call.Spec{Type: call.Freqs, Params: call.Params{"corpname": "susanne"}}
	results, err := New(seq(), srv, memStore(t)).Run(context.Background(), []call.Spec{freqs("a"), bad, freqs("c")}, Options{HaltOnError: true})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	var ve *call.ValidationError
	if !errors.As(results[1].Err, &ve) || ve.Field != "q" {
		t.Fatalf("result 1 err=%v", results[1].Err)
	}
	if results[1].Attempted || results[2].Err != nil || srv.count() != 2 {
		t.Fatalf("results=%+v calls=%d", results, srv.count())
	}
}

func TestCredentialsInjectedAndRedacted(t *testing.T) {
	srv := &fakeServer{handle: func(ctx context.Context, host string, typ call.Type, q url.Values) (client.Response, error) {
		return jsonResp(`{"request":{"username":"` + q.Get("username") + `","api_key":"` + q.Get("api_key") + `"},"Blocks":[]}`), nil
	}}
	store := memStore(t)
	d := New(seq(), srv, store, WithCredentials(map[string]string{"username": "jdoe", "api_key": "s3cr3t"}))

	explicit := freqs("a")
	explicit.Params["username"] = "other"
	results, err := d.Run(context.Background(), []call.Spec{freqs("a"), explicit}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if srv.queries[0].Get("api_key") != "s3cr3t" || srv.queries[0].Get("username") != "jdoe" {
		t.Fatalf("query=%v", srv.queries[0])
	}
	if results[0].Key != results[1].Key {
		t.Fatal("credentials must not change the cache key")
	}
	if !results[1].FromCache {
		t.Fatal("second spec should hit the cache")
	}
	e, ok, _ := store.Get(context.Background(), results[0].Key)
	if !ok {
		t.Fatal("entry missing")
	}
	if strings.Contains(string(e.Body), "s3cr3t") || strings.Contains(string(e.Body), "jdoe") {
		t.Fatalf("body not redacted: %s", e.Body)
	}

	_, _ = d.Run(context.Background(), []call.Spec{explicit}, Options{Refresh: true})
	if got := srv.queries[len(srv.queries)-1].Get("username"); got != "other" {
		t.Fatalf("explicit username=%q", got)
	}
}

func TestConcurrentUnsupported(t *testing.T) {
	_, err := New(seq(), &fakeServer{}, memStore(t)).Run(context.Background(), []call.Spec{freqs("a")}, Options{Mode: Concurrent})
	if !errors.Is(err, ErrConcurrencyUnsupported) {
		t.Fatalf("err=%v", err)
	}
}

func concurrentEndpoint() Endpoint {
	return Endpoint{Name: "local", Host: "http://localhost:10070/bonito/run.cgi", Concurrent: true}
}

func TestConcurrentPreservesOrder(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := &fakeServer{handle: func(ctx context.Context, host string, typ call.Type, q url.Values) (client.Response, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Duration(rand.Intn(15)) * time.Millisecond)
		return jsonResp(fmt.Sprintf(`{"q":%q}`, q.Get("q"))), nil
	}}
	specs := make([]call.Spec, 30)
	for i := range specs {
		specs[i] = freqs(fmt.Sprintf("q%02d", i))
	}
	results, err := New(concurrentEndpoint(), srv, memStore(t)).Run(context.Background(), specs, Options{Mode: Concurrent, Concurrency: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != len(specs) {
		t.Fatalf("len=%d", len(results))
	}
	for i, r := range results {
		if r.Err != nil || r.Index != i {
			t.Fatalf("result %d=%+v", i, r)
		}
		if want := fmt.Sprintf(`{"q":"q%02d"}`, i); string(r.Entry.Body) != want {
			t.Fatalf("result %d body=%s want=%s", i, r.Entry.Body, want)
		}
	}
	if peak.Load() > 4 {
		t.Fatalf("peak in-flight=%d exceeds limit", peak.Load())
	}
}

func TestConcurrentTimeoutDoesNotCancelSiblings(t *testing.T) {
	srv := &fakeServer{handle: func(ctx context.Context, host string, typ call.Type, q url.Values) (client.Response, error) {
		if q.Get("q") == "slow" {
			<-ctx.Done()
			return client.Response{}, ctx.Err()
		}
		time.Sleep(5 * time.Millisecond)
		return jsonResp(`{}`), nil
	}}
	specs := []call.Spec{freqs("a"), freqs("slow"), freqs("b"), freqs("c")}
	results, err := New(concurrentEndpoint(), srv, memStore(t)).Run(context.Background(), specs, Options{Mode: Concurrent, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	var te *TransportError
	if !errors.As(results[1].Err, &te) || !te.Timeout {
		t.Fatalf("slow result err=%v", results[1].Err)
	}
	if Kind(results[1].Err) != "timeout" {
		t.Fatalf("kind=%q", Kind(results[1].Err))
	}
	for _, i := range []int{0, 2, 3} {
		if results[i].Err != nil {
			t.Fatalf("sibling %d err=%v", i, results[i].Err)
		}
	}
}

func TestConcurrentHaltStopsLaunching(t *testing.T) {
	srv := &fakeServer{handle: func(ctx context.Context, host string, typ call.Type, q url.Values) (client.Response, error) {
		return client.Response{StatusCode: 503, Body: []byte("busy")}, nil
	}}
	specs := make([]call.Spec, 10)
	for i := range specs {
		specs[i] = freqs(fmt.Sprintf("q%02d", i))
	}
	results, err := New(concurrentEndpoint(), srv, memStore(t)).Run(context.Background(), specs, Options{Mode: Concurrent, Concurrency: 1, HaltOnError: true})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("err=%v", err)
	}
	attempted := 0
	for _, r := range results {
		if r.Attempted {
			attempted++
			continue
		}
		if !errors.Is(r.Err, ErrNotAttempted) {
			t.Fatalf("result %d err=%v", r.Index, r.Err)
		}
	}
	if attempted != 1 || srv.count() != 1 {
		t.Fatalf("attempted=%d calls=%d", attempted, srv.count())
	}
}

func TestCancelledBeforeRun(t *testing.T) {
	srv := &fakeServer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := New(seq(), srv, memStore(t)).Run(ctx, []call.Spec{freqs("a"), freqs("b")}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	for _, r := range results {
		if !errors.Is(r.Err, ErrNotAttempted) {
			t.Fatalf("result %d err=%v", r.Index, r.Err)
		}
	}
	if srv.count() != 0 {
		t.Fatalf("calls=%d", srv.count())
	}
}

func TestMetricsAndEvents(t *testing.T) {
	m := NewMetrics()
	var mu sync.Mutex
	events := map[string]int{}
	d := New(seq(), failOn("bad", 500), memStore(t), WithMetrics(m), WithEvents(func(event string, fields map[string]any) {
		mu.Lock()
		events[event]++
		mu.Unlock()
	}))
	specs := []call.Spec{freqs("a"), freqs("a"), freqs("bad")}
	if _, err := d.Run(context.Background(), specs, Options{}); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.calls.WithLabelValues("freqs", "network")); got != 2 {
		t.Fatalf("network calls=%v", got)
	}
	if got := testutil.ToFloat64(m.calls.WithLabelValues("freqs", "cache")); got != 1 {
		t.Fatalf("cache calls=%v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("freqs", "transport")); got != 1 {
		t.Fatalf("transport errors=%v", got)
	}
	if events["call_cached"] != 1 || events["transport_error"] != 1 || events["call_done"] != 1 {
		t.Fatalf("events=%v", events)
	}

	var nilMetrics *Metrics
	nilMetrics.call(call.Freqs, true)
	nilMetrics.failure(call.Freqs, errors.New("x"))
}

func TestPrepareAppliesDefaults(t *testing.T) {
	s, key, err := Prepare(call.Spec{Type: call.View, Params: call.Params{"corpname": "c", "q": "q"}})
	if err != nil || key == "" {
		t.Fatalf("key=%q err=%v", key, err)
	}
	if fmt.Sprint(s.Params["asyn"]) != "0" {
		t.Fatalf("asyn=%v", s.Params["asyn"])
	}
	if DefaultConcurrency() < 5 || DefaultConcurrency() > 32 {
		t.Fatalf("default concurrency=%d", DefaultConcurrency())
	}
}

func badCSV() call.Spec {
	s := freqs("[bad")
	s.Format = call.CSV
	return s
}

// primeServiceError stores a csv response carrying a service error.
func primeServiceError(t *testing.T, store cache.Store) {
	t.Helper()
	srv := &fakeServer{handle: func(ctx context.Context, host string, typ call.Type, q url.Values) (client.Response, error) {
		return jsonResp(`{"error":"Query incorrect"}`), nil
	}}
	results, _ := New(seq(), srv, store).Run(context.Background(), []call.Spec{badCSV()}, Options{})
	if _, ok, _ := store.Get(context.Background(), results[0].Key); !ok {
		t.Fatal("csv service error was not stored")
	}
}

func TestHaltOnCachedServiceError(t *testing.T) {
	store := memStore(t)
	primeServiceError(t, store)

	srv := &fakeServer{}
	results, err := New(seq(), srv, store).Run(context.Background(), []call.Spec{badCSV(), freqs("a"), freqs("b")}, Options{HaltOnError: true})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("err=%v want ErrHalted", err)
	}
	var se *ServiceError
	if !results[0].FromCache || !errors.As(results[0].Err, &se) || !se.Cached {
		t.Fatalf("result 0=%+v", results[0])
	}
	for _, r := range results[1:] {
		if !errors.Is(r.Err, ErrNotAttempted) || r.Attempted {
			t.Fatalf("result %d=%+v", r.Index, r)
		}
	}
	if srv.count() != 0 {
		t.Fatalf("network calls=%d want=0", srv.count())
	}
}

func TestConcurrentHaltOnCachedServiceError(t *testing.T) {
	store := memStore(t)
	primeServiceError(t, store)

	srv := &fakeServer{}
	specs := []call.Spec{badCSV(), freqs("a"), freqs("b"), freqs("c")}
	results, err := New(concurrentEndpoint(), srv, store).Run(context.Background(), specs, Options{Mode: Concurrent, Concurrency: 1, HaltOnError: true})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("err=%v want ErrHalted", err)
	}
	if !results[0].FromCache || Kind(results[0].Err) != "service" {
		t.Fatalf("result 0=%+v", results[0])
	}
	for _, r := range results[1:] {
		if r.Attempted {
			continue
		}
		if !errors.Is(r.Err, ErrNotAttempted) {
			t.Fatalf("result %d err=%v", r.Index, r.Err)
		}
	}
}

func TestConcurrentDuplicatesAndCacheHits(t *testing.T) {
	for _, limit := range []int{1, 4} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			store := memStore(t)
			if _, err := New(seq(), &fakeServer{}, store).Run(context.Background(), []call.Spec{freqs("cached")}, Options{}); err != nil {
				t.Fatal(err)
			}
			srv := &fakeServer{handle: func(ctx context.Context, host string, typ call.Type, q url.Values) (client.Response, error) {
				time.Sleep(20 * time.Millisecond)
				return jsonResp(fmt.Sprintf(`{"q":%q}`, q.Get("q"))), nil
			}}
			dupA := freqs("dup")
			dupA.Params["fmaxitems"] = 50
			dupB := freqs("dup")
			dupB.Params["fmaxitems"] = "50"
			specs := []call.Spec{dupA, dupB, freqs("cached")}

			results, err := New(concurrentEndpoint(), srv, store).Run(context.Background(), specs, Options{Mode: Concurrent, Concurrency: limit})
			if err != nil {
				t.Fatal(err)
			}
			if srv.count() != 1 {
				t.Fatalf("network calls=%d want=1", srv.count())
			}
			if results[0].Key != results[1].Key {
				t.Fatalf("duplicates have different keys: %s %s", results[0].Key, results[1].Key)
			}
			for i, r := range results {
				if r.Err != nil || r.Index != i || r.Entry == nil {
					t.Fatalf("result %d=%+v", i, r)
				}
			}
			if _, ok := results[0].Spec.Params["fmaxitems"].(int); !ok {
				t.Fatalf("result 0 lost its own spec: %v", results[0].Spec.Params)
			}
			if _, ok := results[1].Spec.Params["fmaxitems"].(string); !ok {
				t.Fatalf("result 1 lost its own spec: %v", results[1].Spec.Params)
			}
			if !results[2].FromCache || results[2].Attempted {
				t.Fatalf("result 2=%+v", results[2])
			}
			if limit == 1 && results[0].FromCache == results[1].FromCache {
				t.Fatalf("one duplicate should be served from cache: %v %v", results[0].FromCache, results[1].FromCache)
			}
		})
	}
}

func TestRefreshFetchesDuplicateOnce(t *testing.T) {
	for _, mode := range []Mode{Sequential, Concurrent} {
		t.Run(mode.String(), func(t *testing.T) {
			store := memStore(t)
			srv := &fakeServer{}
			d := New(concurrentEndpoint(), srv, store)
			specs := []call.Spec{freqs("a"), freqs("a")}
			if _, err := d.Run(context.Background(), specs, Options{Mode: mode, Concurrency: 1}); err != nil {
				t.Fatal(err)
			}
			results, err := d.Run(context.Background(), specs, Options{Mode: mode, Concurrency: 1, Refresh: true})
			if err != nil {
				t.Fatal(err)
			}
			if srv.count() != 2 {
				t.Fatalf("network calls=%d want=2", srv.count())
			}
			if results[0].FromCache == results[1].FromCache {
				t.Fatalf("from_cache=%v %v", results[0].FromCache, results[1].FromCache)
			}
		})
	}
}

func TestSnippetKeepsRunes(t *testing.T) {
	body := strings.Repeat("a", snippetLimit-1) + "é tail"
	got := snippet([]byte(body))
	if !utf8.ValidString(got) {
		t.Fatalf("invalid utf-8: %q", got)
	}
	if got != strings.Repeat("a", snippetLimit-1)+"..." {
		t.Fatalf("got=%q", got)
	}
	if snippet([]byte(" short ")) != "short" {
		t.Fatal("short bodies are returned trimmed")
	}
}
