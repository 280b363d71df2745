package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOrigin stands in for the hosted backend.
type testOrigin struct {
	mu       sync.Mutex
	assets   map[string]string
	status   map[string]int
	requests []string
}

func newTestOrigin() *testOrigin {
	return &testOrigin{
		assets: map[string]string{
			"/":              "<html>home</html>",
			"/index.html":    "<html>home</html>",
			"/manifest.json": `{"name":"AgroEye"}`,
		},
		status: map[string]int{},
	}
}

func (o *testOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	o.mu.Lock()
	o.requests = append(o.requests, r.Method+" "+r.URL.Path+" "+string(body))
	status := o.status[string(body)]
	asset, ok := o.assets[r.URL.Path]
	o.mu.Unlock()

	switch {
	case status != 0:
		http.Error(w, http.StatusText(status), status)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, asset)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	}
}

func (o *testOrigin) setAsset(path, body string) {
	o.mu.Lock()
	o.assets[path] = body
	o.mu.Unlock()
}

// respond makes writes carrying body answer with status. Zero clears it.
func (o *testOrigin) respond(body string, status int) {
	o.mu.Lock()
	o.status[body] = status
	o.mu.Unlock()
}

// writes returns the mutating requests the origin received, in order.
func (o *testOrigin) writes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, r := range o.requests {
		if !strings.HasPrefix(r, "GET ") && !strings.HasPrefix(r, "HEAD ") {
			out = append(out, r)
		}
	}
	return out
}

func (o *testOrigin) count(prefix string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, r := range o.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

// flakyTransport fails every request while down. While cut, responses
// arrive with a 200 status but the body breaks off mid-stream.
type flakyTransport struct {
	down atomic.Bool
	cut  atomic.Bool
	hook func(*http.Request)
}

var (
	errConnRefused = errors.New("dial tcp: connect: connection refused")
	errConnReset   = errors.New("read tcp: connection reset by peer")
)

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.down.Load() {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, errConnRefused
	}
	if f.cut.Load() {
		return &http.Response{
			Status:     "200 OK",
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       io.NopCloser(io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errConnReset))),
			Request:    req,
		}, nil
	}
	if f.hook != nil {
		f.hook(req)
	}
	return http.DefaultTransport.RoundTrip(req)
}

type recordingRegistrar struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingRegistrar) Register(tag string) error {
	r.mu.Lock()
	r.tags = append(r.tags, tag)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	origin  *testOrigin
	server  *httptest.Server
	network *flakyTransport
	cache   *MemoryCache
	worker  *Worker
}

func newFixture(t *testing.T, configure func(*Config)) *fixture {
	t.Helper()

	origin := newTestOrigin()
	server := httptest.NewServer(origin)
	t.Cleanup(server.Close)

	config := DefaultConfig()
	config.Origin = server.URL
	if configure != nil {
		configure(&config)
	}

	network := &flakyTransport{}
	cache := NewMemoryCache()
	w, err := New(config, network, cache, NewSyncQueue())
	require.NoError(t, err)

	return &fixture{origin: origin, server: server, network: network, cache: cache, worker: w}
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.worker.OnInstall(ctx))
	require.NoError(t, f.worker.OnActivate(ctx))
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, error) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer token-1")
	return f.worker.RoundTrip(req)
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestNew_InvalidOrigin(t *testing.T) {
	for _, origin := range []string{"", "/relative", "ftp://example.com", "://bad"} {
		config := DefaultConfig()
		config.Origin = origin
		_, err := New(config, nil, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidOrigin, origin)
	}
}

func TestWorker_InstallAndActivate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.cache.Open(ctx, "agroeye-v0"))
	require.NoError(t, f.cache.Open(ctx, "agroeye-runtime"))
	require.NoError(t, f.cache.Open(ctx, "someone-else"))

	assert.False(t, f.worker.Active())
	require.NoError(t, f.worker.OnInstall(ctx))
	assert.False(t, f.worker.Active())
	require.NoError(t, f.worker.OnActivate(ctx))
	assert.True(t, f.worker.Active())

	pools, err := f.cache.Pools(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agroeye-runtime", "agroeye-v1"}, pools)

	for _, path := range []string{"/", "/index.html", "/manifest.json"} {
		entry, err := f.cache.Match(ctx, "agroeye-v1", "GET "+f.server.URL+path)
		require.NoError(t, err)
		require.NotNil(t, entry, path)
		assert.Equal(t, http.StatusOK, entry.StatusCode)
	}
}

func TestWorker_InstallFailsWhenAssetMissing(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.PrecacheURLs = []string{"/", "/missing.js"}
	})
	ctx := context.Background()

	err := f.worker.OnInstall(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")

	entry, err := f.cache.Match(ctx, "agroeye-v1", "GET "+f.server.URL+"/")
	require.NoError(t, err)
	assert.Nil(t, entry)

	assert.ErrorIs(t, f.worker.OnActivate(ctx), ErrNotInstalled)
}

func TestWorker_InstallFailsOffline(t *testing.T) {
	f := newFixture(t, nil)
	f.network.down.Store(true)

	assert.ErrorIs(t, f.worker.OnInstall(context.Background()), errConnRefused)
}

func TestWorker_ResumeFromStoredPrecache(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	ctx := context.Background()

	config := DefaultConfig()
	config.Origin = f.server.URL
	network := &flakyTransport{}
	network.down.Store(true)
	restarted, err := New(config, network, f.cache, NewSyncQueue())
	require.NoError(t, err)

	resumed, err := restarted.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.True(t, restarted.Active())

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/rest/v1/farm_plots", strings.NewReader(`{"name":"A"}`))
	require.NoError(t, err)
	resp, err := restarted.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, restarted.Queue().Len())

	req, err = http.NewRequest(http.MethodGet, f.server.URL+"/index.html", nil)
	require.NoError(t, err)
	resp, err = restarted.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, "<html>home</html>", readAll(t, resp))
	restarted.Wait()
}

func TestWorker_ResumeNeedsCompletePrecache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resumed, err := f.worker.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, resumed)

	// A half-filled pool from an interrupted install does not count
	require.NoError(t, f.cache.Put(ctx, "agroeye-v1", &CachedResponse{Key: "GET " + f.server.URL + "/", StatusCode: http.StatusOK}))
	resumed, err = f.worker.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.False(t, f.worker.Active())
}

func TestWorker_PassthroughBeforeActivation(t *testing.T) {
	f := newFixture(t, nil)
	f.network.down.Store(true)

	_, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", `{"name":"A"}`)
	assert.ErrorIs(t, err, errConnRefused)
	assert.Equal(t, 0, f.worker.Queue().Len())
}

func TestWorker_WriteOnline(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)

	resp, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", `{"name":"A"}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, readAll(t, resp))

	f.worker.Wait()
	assert.Equal(t, 0, f.worker.Queue().Len())
	assert.Equal(t, []string{`POST /rest/v1/farm_plots {"name":"A"}`}, f.origin.writes())

	entry, err := f.cache.Match(context.Background(), f.worker.RuntimeName(), "POST "+f.server.URL+"/rest/v1/farm_plots")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestWorker_WriteServerErrorIsNotQueued(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.origin.respond("bad", http.StatusInternalServerError)

	resp, err := f.do(t, http.MethodPut, "/rest/v1/farm_plots", "bad")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 0, f.worker.Queue().Len())
}

func TestWorker_WriteOfflineIsQueued(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	registrar := &recordingRegistrar{}
	f.worker.SetRegistrar(registrar)
	f.network.down.Store(true)

	resp, err := f.do(t, http.MethodPost, "/rest/v1/map_markers", `{"label":"Probe"}`)
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"queued":true,"message":"Request will sync when online"}`, readAll(t, resp))

	queued := f.worker.Queue().Snapshot()
	require.Len(t, queued, 1)
	q := queued[0]
	assert.NotEmpty(t, q.ID)
	assert.Equal(t, http.MethodPost, q.Method)
	assert.Equal(t, f.server.URL+"/rest/v1/map_markers", q.URL)
	assert.Equal(t, `{"label":"Probe"}`, q.Body)
	assert.Equal(t, "Bearer token-1", q.Header.Get("Authorization"))
	assert.Equal(t, 0, q.Attempts)
	assert.Contains(t, q.LastError, "connection refused")

	assert.Equal(t, []string{"agroeye-sync"}, registrar.tags)
}

func TestWorker_WriteMethodsAreQueued(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		resp, err := f.do(t, method, "/rest/v1/farm_plots?id=eq.1", "")
		require.NoError(t, err, method)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, method)
	}
	assert.Equal(t, 4, f.worker.Queue().Len())
}

func TestWorker_WriteWithoutRegistrarStillQueues(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	resp, err := f.do(t, http.MethodPost, "/rest/v1/x", "1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, f.worker.Queue().Len())
}

func TestWorker_CancelledWriteIsNotQueued(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.server.URL+"/rest/v1/x", strings.NewReader("1"))
	require.NoError(t, err)

	_, err = f.worker.RoundTrip(req)
	assert.Error(t, err)
	assert.Equal(t, 0, f.worker.Queue().Len())
}

func TestWorker_CrossOriginPassesThrough(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	for _, method := range []string{http.MethodPost, http.MethodGet} {
		req, err := http.NewRequest(method, "http://weather.example.com/functions/v1/forecast", strings.NewReader("x"))
		require.NoError(t, err)
		_, err = f.worker.RoundTrip(req)
		assert.ErrorIs(t, err, errConnRefused, method)
	}
	assert.Equal(t, 0, f.worker.Queue().Len())

	entry, err := f.cache.Match(context.Background(), f.worker.RuntimeName(), "GET http://weather.example.com/functions/v1/forecast")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestWorker_ReplayInOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	for _, body := range []string{"w1", "w2", "w3"} {
		resp, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", body)
		require.NoError(t, err)
		resp.Body.Close()
	}
	require.Equal(t, 3, f.worker.Queue().Len())

	f.network.down.Store(false)
	result, err := f.worker.OnSync(context.Background(), "agroeye-sync")
	require.NoError(t, err)

	assert.Equal(t, ReplayResult{Replayed: 3, Succeeded: 3}, result)
	assert.Equal(t, 0, f.worker.Queue().Len())
	assert.Equal(t, []string{
		"POST /rest/v1/farm_plots w1",
		"POST /rest/v1/farm_plots w2",
		"POST /rest/v1/farm_plots w3",
	}, f.origin.writes())
}

func TestWorker_ReplayKeepsHeaders(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)

	var gotAuth atomic.Value
	f.network.hook = func(r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
	}
	f.network.down.Store(true)

	resp, err := f.do(t, http.MethodPatch, "/rest/v1/farm_plots?id=eq.7", `{"name":"B"}`)
	require.NoError(t, err)
	resp.Body.Close()

	f.network.down.Store(false)
	_, err = f.worker.OnSync(context.Background(), "agroeye-sync")
	require.NoError(t, err)

	assert.Equal(t, "Bearer token-1", gotAuth.Load())
	assert.Equal(t, []string{`PATCH /rest/v1/farm_plots {"name":"B"}`}, f.origin.writes())
}

func TestWorker_ReplayFailureIsRequeued(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	for _, body := range []string{"w1", "w2", "w3"} {
		resp, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", body)
		require.NoError(t, err)
		resp.Body.Close()
	}

	f.network.down.Store(false)
	f.origin.respond("w2", http.StatusInternalServerError)

	result, err := f.worker.OnSync(context.Background(), "agroeye-sync")
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Replayed: 3, Succeeded: 2, Failed: 1}, result)

	queued := f.worker.Queue().Snapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, "w2", queued[0].Body)
	assert.Equal(t, 1, queued[0].Attempts)
	assert.Equal(t, "server returned 500", queued[0].LastError)

	// The next pass succeeds.
	f.origin.respond("w2", 0)
	result, err = f.worker.OnSync(context.Background(), "agroeye-sync")
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Replayed: 1, Succeeded: 1}, result)
	assert.Equal(t, 0, f.worker.Queue().Len())
}

func TestWorker_ReplayClientErrorIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	resp, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", "duplicate")
	require.NoError(t, err)
	resp.Body.Close()

	f.network.down.Store(false)
	f.origin.respond("duplicate", http.StatusConflict)

	result, err := f.worker.OnSync(context.Background(), "agroeye-sync")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 0, f.worker.Queue().Len())
}

func TestWorker_ReplayWhileOfflineRequeuesAll(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	for _, body := range []string{"w1", "w2"} {
		resp, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", body)
		require.NoError(t, err)
		resp.Body.Close()
	}

	result, err := f.worker.OnSync(context.Background(), "agroeye-sync")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)

	queued := f.worker.Queue().Snapshot()
	require.Len(t, queued, 2)
	assert.Equal(t, "w1", queued[0].Body)
	assert.Equal(t, "w2", queued[1].Body)
}

func TestWorker_WriteDuringReplayWaitsForNextPass(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	for _, body := range []string{"w1", "w2", "w3"} {
		resp, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", body)
		require.NoError(t, err)
		resp.Body.Close()
	}

	var once sync.Once
	f.network.hook = func(r *http.Request) {
		once.Do(func() {
			w4 := &QueuedRequest{ID: "w4", URL: f.server.URL + "/rest/v1/farm_plots", Method: http.MethodPost, Body: "w4"}
			require.NoError(t, f.worker.Queue().Enqueue(context.Background(), w4))
		})
	}
	f.network.down.Store(false)

	result, err := f.worker.OnSync(context.Background(), "agroeye-sync")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Replayed)

	queued := f.worker.Queue().Snapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, "w4", queued[0].Body)
	assert.Equal(t, 0, f.origin.count("POST /rest/v1/farm_plots w4"))
}

func TestWorker_ReplayDropsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxAttempts = 2 })
	f.activate(t)
	f.network.down.Store(true)

	resp, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", "w1")
	require.NoError(t, err)
	resp.Body.Close()

	result, err := f.worker.OnSync(context.Background(), "agroeye-sync")
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Replayed: 1, Failed: 1}, result)
	assert.Equal(t, 1, f.worker.Queue().Len())

	result, err = f.worker.OnSync(context.Background(), "agroeye-sync")
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Replayed: 1, Failed: 1, Dropped: 1}, result)
	assert.Equal(t, 0, f.worker.Queue().Len())
}

func TestWorker_ReplayPaced(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReplayRate = 1000 })
	f.activate(t)
	f.network.down.Store(true)

	for _, body := range []string{"w1", "w2"} {
		resp, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", body)
		require.NoError(t, err)
		resp.Body.Close()
	}
	f.network.down.Store(false)

	result, err := f.worker.OnSync(context.Background(), "agroeye-sync")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
}

func TestWorker_ReplayCancelledKeepsQueue(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	for _, body := range []string{"w1", "w2"} {
		resp, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", body)
		require.NoError(t, err)
		resp.Body.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.worker.OnSync(ctx, "agroeye-sync")
	assert.ErrorIs(t, err, context.Canceled)

	queued := f.worker.Queue().Snapshot()
	require.Len(t, queued, 2)
	assert.Equal(t, 0, queued[0].Attempts)
}

func TestWorker_UnknownSyncTagIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	resp, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", "w1")
	require.NoError(t, err)
	resp.Body.Close()
	f.network.down.Store(false)

	result, err := f.worker.OnSync(context.Background(), "other-tag")
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{}, result)
	assert.Equal(t, 1, f.worker.Queue().Len())
	assert.Empty(t, f.origin.writes())
}

func TestWorker_APIReadFallsBackToCache(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.origin.setAsset("/functions/v1/weather", `{"temp":21}`)

	resp, err := f.do(t, http.MethodGet, "/functions/v1/weather", "")
	require.NoError(t, err)
	assert.Equal(t, `{"temp":21}`, readAll(t, resp))
	f.worker.Wait()

	f.network.down.Store(true)
	resp, err = f.do(t, http.MethodGet, "/functions/v1/weather", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"temp":21}`, readAll(t, resp))
}

func TestWorker_APIReadOfflineWithoutCache(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	resp, err := f.do(t, http.MethodGet, "/functions/v1/ai-advice", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"offline":true,"error":"No cached data available"}`, readAll(t, resp))
}

func TestWorker_APIReadBrokenBodyFallsBackToCache(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.origin.setAsset("/functions/v1/weather", `{"temp":21}`)

	resp, err := f.do(t, http.MethodGet, "/functions/v1/weather", "")
	require.NoError(t, err)
	assert.Equal(t, `{"temp":21}`, readAll(t, resp))
	f.worker.Wait()

	f.network.cut.Store(true)
	resp, err = f.do(t, http.MethodGet, "/functions/v1/weather", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"temp":21}`, readAll(t, resp))

	resp, err = f.do(t, http.MethodGet, "/functions/v1/ai-advice", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, `{"offline":true,"error":"No cached data available"}`, readAll(t, resp))
	f.worker.Wait()

	// The broken read did not replace the good copy
	entry, err := f.cache.Match(context.Background(), "agroeye-runtime", "GET "+f.server.URL+"/functions/v1/weather")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, `{"temp":21}`, string(entry.Body))
}

func TestWorker_APIReadNotFoundIsNotCached(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)

	resp, err := f.do(t, http.MethodGet, "/rest/v1/missing", "")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	f.worker.Wait()

	f.network.down.Store(true)
	resp, err = f.do(t, http.MethodGet, "/rest/v1/missing", "")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWorker_StaticStaleWhileRevalidate(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.origin.setAsset("/assets/app.js", "v1")

	resp, err := f.do(t, http.MethodGet, "/assets/app.js", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", readAll(t, resp))
	f.worker.Wait()

	f.origin.setAsset("/assets/app.js", "v2")

	// Served stale, refreshed in the background.
	resp, err = f.do(t, http.MethodGet, "/assets/app.js", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", readAll(t, resp))
	f.worker.Wait()

	resp, err = f.do(t, http.MethodGet, "/assets/app.js", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", readAll(t, resp))
	f.worker.Wait()
}

func TestWorker_StaticCachedOnlyWhenFullyRead(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.origin.setAsset("/assets/app.js", "v1")
	f.origin.setAsset("/assets/map.js", "tiles")
	ctx := context.Background()

	resp, err := f.do(t, http.MethodGet, "/assets/app.js", "")
	require.NoError(t, err)
	resp.Body.Close()
	f.worker.Wait()

	entry, err := f.cache.Match(ctx, "agroeye-runtime", "GET "+f.server.URL+"/assets/app.js")
	require.NoError(t, err)
	assert.Nil(t, entry)

	resp, err = f.do(t, http.MethodGet, "/assets/map.js", "")
	require.NoError(t, err)
	assert.Equal(t, "tiles", readAll(t, resp))
	f.worker.Wait()

	entry, err = f.cache.Match(ctx, "agroeye-runtime", "GET "+f.server.URL+"/assets/map.js")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "tiles", string(entry.Body))
}

func TestWorker_StaticServedFromPrecacheOffline(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	resp, err := f.do(t, http.MethodGet, "/index.html", "")
	require.NoError(t, err)
	assert.Equal(t, "<html>home</html>", readAll(t, resp))
	f.worker.Wait()
}

func TestWorker_StaticMissOfflineFails(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.network.down.Store(true)

	_, err := f.do(t, http.MethodGet, "/assets/never-seen.css", "")
	assert.ErrorIs(t, err, errConnRefused)
}

func TestWorker_Observer(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)

	var mu sync.Mutex
	var states []State
	f.worker.SetObserver(func(ev Event) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})

	f.network.down.Store(true)
	resp, err := f.do(t, http.MethodPost, "/rest/v1/farm_plots", "w1")
	require.NoError(t, err)
	resp.Body.Close()

	f.network.down.Store(false)
	_, err = f.worker.OnSync(context.Background(), "agroeye-sync")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateNetworkFailed, StateQueued, StateReplaying, StateReplaySucceeded}, states)
}

func TestWorker_Status(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.CachePrefix = "field"
		c.Version = "3"
	})
	f.activate(t)

	assert.Equal(t, Status{Active: true, Precache: "field-v3", Runtime: "field-runtime"}, f.worker.Status())
}

func TestOriginOf(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"https://x.supabase.co/rest", "https://x.supabase.co:443/functions", true},
		{"http://localhost:8080/", "http://LOCALHOST:8080/a", true},
		{"http://localhost:8080/", "http://localhost:8081/", false},
		{"http://x.supabase.co/", "https://x.supabase.co/", false},
	}
	for _, tt := range tests {
		a := mustParse(t, tt.a)
		b := mustParse(t, tt.b)
		assert.Equal(t, tt.same, originOf(a) == originOf(b), "%s vs %s", tt.a, tt.b)
	}
}
