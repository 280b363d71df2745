package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	ErrNotInstalled  = errors.New("worker is not installed")
	ErrInvalidOrigin = errors.New("origin must be an absolute http(s) URL")
)

// Config holds worker configuration
type Config struct {
	Origin       string   // Backend origin (https://xyz.supabase.co)
	CachePrefix  string   // Pool name prefix
	Version      string   // Precache generation, pool is "<prefix>-v<version>"
	PrecacheURLs []string // Fetched at install, resolved against Origin
	APIPrefixes  []string // Paths containing one of these are network-first
	SyncTag      string   // Background sync tag that triggers replay

	// MaxAttempts drops a queued request after that many failed replays.
	// Zero keeps retrying forever.
	MaxAttempts int
	// ReplayRate paces replay in requests per second. Zero is unpaced.
	ReplayRate float64
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		CachePrefix:  "agroeye",
		Version:      "1",
		PrecacheURLs: []string{"/", "/index.html", "/manifest.json"},
		APIPrefixes:  []string{"/functions/", "/rest/", "/api/"},
		SyncTag:      "agroeye-sync",
	}
}

// SyncRegistrar schedules a background sync for a tag
type SyncRegistrar interface {
	Register(tag string) error
}

// ReplayResult summarizes one replay pass
type ReplayResult struct {
	Replayed  int `json:"replayed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

// Status is a point-in-time view of the worker
type Status struct {
	Active   bool   `json:"active"`
	Precache string `json:"precache"`
	Runtime  string `json:"runtime"`
	QueueLen int    `json:"queue_len"`
}

// Worker intercepts requests to the origin. It is an http.RoundTripper.
type Worker struct {
	config  Config
	origin  *url.URL
	network http.RoundTripper
	cache   CacheStorage
	queue   *SyncQueue
	limiter *rate.Limiter
	refresh singleflight.Group

	mu        sync.RWMutex
	registrar SyncRegistrar
	observer  func(Event)
	installed bool
	active    bool

	replayMu sync.Mutex
	wg       sync.WaitGroup
}

// New creates a worker. network is the real transport; nil means
// http.DefaultTransport. nil cache and queue default to in-memory ones.
func New(config Config, network http.RoundTripper, cache CacheStorage, queue *SyncQueue) (*Worker, error) {
	origin, err := url.Parse(config.Origin)
	if err != nil || origin.Host == "" || (origin.Scheme != "http" && origin.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrigin, config.Origin)
	}
	if network == nil {
		network = http.DefaultTransport
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if queue == nil {
		queue = NewSyncQueue()
	}

	w := &Worker{
		config:  config,
		origin:  origin,
		network: network,
		cache:   cache,
		queue:   queue,
	}
	if config.ReplayRate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(config.ReplayRate), 1)
	}
	return w, nil
}

// SetRegistrar sets where background sync registrations go
func (w *Worker) SetRegistrar(r SyncRegistrar) {
	w.mu.Lock()
	w.registrar = r
	w.mu.Unlock()
}

// SetObserver sets the callback for request state transitions
func (w *Worker) SetObserver(fn func(Event)) {
	w.mu.Lock()
	w.observer = fn
	w.mu.Unlock()
}

// PrecacheName returns the current precache pool name
func (w *Worker) PrecacheName() string {
	return fmt.Sprintf("%s-v%s", w.config.CachePrefix, w.config.Version)
}

// RuntimeName returns the runtime pool name
func (w *Worker) RuntimeName() string {
	return w.config.CachePrefix + "-runtime"
}

// SyncTag returns the tag that triggers replay
func (w *Worker) SyncTag() string {
	return w.config.SyncTag
}

// Queue returns the worker's sync queue
func (w *Worker) Queue() *SyncQueue {
	return w.queue
}

// Active reports whether the worker controls requests
func (w *Worker) Active() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}

// Status returns the current worker status
func (w *Worker) Status() Status {
	return Status{
		Active:   w.Active(),
		Precache: w.PrecacheName(),
		Runtime:  w.RuntimeName(),
		QueueLen: w.queue.Len(),
	}
}

// Wait blocks until background cache writes and refreshes finish.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// =============================================================================
// Lifecycle
// =============================================================================

// OnInstall fills the precache pool. Nothing is stored unless every
// manifest URL fetches successfully.
func (w *Worker) OnInstall(ctx context.Context) error {
	pool := w.PrecacheName()
	if err := w.cache.Open(ctx, pool); err != nil {
		return fmt.Errorf("failed to open cache %s: %w", pool, err)
	}

	entries := make([]*CachedResponse, 0, len(w.config.PrecacheURLs))
	for _, ref := range w.config.PrecacheURLs {
		entry, err := w.precache(ctx, ref)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	for _, entry := range entries {
		if err := w.cache.Put(ctx, pool, entry); err != nil {
			return fmt.Errorf("failed to store %s: %w", entry.URL, err)
		}
	}

	// skip waiting
	w.mu.Lock()
	w.installed = true
	w.mu.Unlock()

	log.Printf("Worker: installed %s with %d entries", pool, len(entries))
	return nil
}

func (w *Worker) precache(ctx context.Context, ref string) (*CachedResponse, error) {
	req, err := w.precacheRequest(ctx, ref)
	if err != nil {
		return nil, err
	}

	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("failed to precache %s: %w", req.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to precache %s: status %d", req.URL, resp.StatusCode)
	}
	return snapshot(req, resp)
}

func (w *Worker) precacheRequest(ctx context.Context, ref string) (*http.Request, error) {
	target, err := w.origin.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid precache url %q: %w", ref, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return req, nil
}

// Resume activates the worker without the network when an earlier run
// already installed the current generation, so a restart while offline
// keeps serving and queueing. It reports whether the worker was resumed.
func (w *Worker) Resume(ctx context.Context) (bool, error) {
	pool := w.PrecacheName()
	for _, ref := range w.config.PrecacheURLs {
		req, err := w.precacheRequest(ctx, ref)
		if err != nil {
			return false, err
		}
		entry, err := w.cache.Match(ctx, pool, CacheKey(req))
		if err != nil {
			return false, fmt.Errorf("failed to read cache %s: %w", pool, err)
		}
		if entry == nil {
			return false, nil
		}
	}

	w.mu.Lock()
	w.installed = true
	w.mu.Unlock()

	if err := w.OnActivate(ctx); err != nil {
		return false, err
	}
	log.Printf("Worker: resumed %s from storage", pool)
	return true, nil
}

// OnActivate deletes pools from older generations and takes control of
// requests.
func (w *Worker) OnActivate(ctx context.Context) error {
	w.mu.RLock()
	installed := w.installed
	w.mu.RUnlock()
	if !installed {
		return ErrNotInstalled
	}

	pools, err := w.cache.Pools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list caches: %w", err)
	}
	current := map[string]bool{w.PrecacheName(): true, w.RuntimeName(): true}
	for _, name := range pools {
		if current[name] {
			continue
		}
		if err := w.cache.DeletePool(ctx, name); err != nil {
			return fmt.Errorf("failed to delete cache %s: %w", name, err)
		}
		log.Printf("Worker: deleted old cache %s", name)
	}

	// claim
	w.mu.Lock()
	w.active = true
	w.mu.Unlock()

	log.Printf("Worker: activated %s", w.PrecacheName())
	return nil
}

// =============================================================================
// Fetch
// =============================================================================

// RoundTrip implements http.RoundTripper.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	return w.OnFetch(req)
}

// OnFetch handles one outgoing request.
func (w *Worker) OnFetch(req *http.Request) (*http.Response, error) {
	if !w.Active() || !w.sameOrigin(req.URL) {
		return w.network.RoundTrip(req)
	}
	if IsMutating(req.Method) {
		return w.fetchWrite(req)
	}
	if w.isAPI(req.URL) {
		return w.fetchAPI(req)
	}
	return w.fetchStatic(req)
}

// fetchWrite sends a write and queues it if the network fails. The live
// response is returned whatever its status.
func (w *Worker) fetchWrite(req *http.Request) (*http.Response, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	out := req.Clone(req.Context())
	out.ContentLength = int64(len(body))
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := w.network.RoundTrip(out)
	if err == nil {
		w.emit(Event{State: StateNetworkSucceeded, Method: req.Method, URL: req.URL.String()})
		return resp, nil
	}
	if req.Context().Err() != nil {
		return nil, err
	}
	w.emit(Event{State: StateNetworkFailed, Method: req.Method, URL: req.URL.String(), Error: err.Error()})

	q := newQueuedRequest(req, body, err)
	if qerr := w.queue.Enqueue(context.WithoutCancel(req.Context()), q); qerr != nil {
		log.Printf("Worker: %v", qerr)
	}
	w.registerSync()

	log.Printf("Worker: queued %s %s (%v)", q.Method, q.URL, err)
	w.emit(Event{State: StateQueued, Method: q.Method, URL: q.URL, RequestID: q.ID})
	return queuedResponse(req), nil
}

// fetchAPI is network-first with a cache fallback and a synthesized 503.
func (w *Worker) fetchAPI(req *http.Request) (*http.Response, error) {
	key := CacheKey(req)

	resp, err := w.network.RoundTrip(req)
	if err == nil && cacheable(req, resp) {
		// A body cut off mid-stream counts as a network failure
		var entry *CachedResponse
		if entry, err = snapshot(req, resp); err == nil {
			w.storeAsync(w.RuntimeName(), entry)
		}
	}
	if err == nil {
		w.emit(Event{State: StateNetworkSucceeded, Method: req.Method, URL: req.URL.String()})
		return resp, nil
	}
	if req.Context().Err() != nil {
		return nil, err
	}
	w.emit(Event{State: StateNetworkFailed, Method: req.Method, URL: req.URL.String(), Error: err.Error()})

	if cached := w.match(req.Context(), key); cached != nil {
		w.emit(Event{State: StateCached, Method: req.Method, URL: req.URL.String()})
		return cached.Response(req), nil
	}
	return offlineResponse(req), nil
}

// fetchStatic is stale-while-revalidate.
func (w *Worker) fetchStatic(req *http.Request) (*http.Response, error) {
	key := CacheKey(req)

	if cached := w.match(req.Context(), key); cached != nil {
		w.revalidate(req, key)
		w.emit(Event{State: StateCached, Method: req.Method, URL: req.URL.String()})
		return cached.Response(req), nil
	}

	resp, err := w.network.RoundTrip(req)
	if err != nil {
		w.emit(Event{State: StateNetworkFailed, Method: req.Method, URL: req.URL.String(), Error: err.Error()})
		return nil, err
	}
	w.emit(Event{State: StateNetworkSucceeded, Method: req.Method, URL: req.URL.String()})

	if cacheable(req, resp) {
		snapshotOnRead(req, resp, func(entry *CachedResponse) {
			w.storeAsync(w.RuntimeName(), entry)
		})
	}
	return resp, nil
}

// revalidate refreshes a cached entry in the background. Concurrent
// refreshes of the same key share one network request; failures are ignored.
func (w *Worker) revalidate(req *http.Request, key string) {
	out := req.Clone(context.WithoutCancel(req.Context()))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.refresh.Do(key, func() (interface{}, error) {
			resp, err := w.network.RoundTrip(out)
			if err != nil {
				return nil, err
			}
			if !cacheable(out, resp) {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				return nil, nil
			}
			entry, err := snapshot(out, resp)
			if err != nil {
				return nil, err
			}
			return nil, w.cache.Put(out.Context(), w.RuntimeName(), entry)
		})
	}()
}

// match looks in the precache pool, then the runtime pool.
func (w *Worker) match(ctx context.Context, key string) *CachedResponse {
	for _, pool := range []string{w.PrecacheName(), w.RuntimeName()} {
		entry, err := w.cache.Match(ctx, pool, key)
		if err != nil {
			log.Printf("Worker: cache lookup in %s failed: %v", pool, err)
			continue
		}
		if entry != nil {
			return entry
		}
	}
	return nil
}

func (w *Worker) storeAsync(pool string, entry *CachedResponse) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.cache.Put(context.Background(), pool, entry); err != nil {
			log.Printf("Worker: failed to cache %s: %v", entry.Key, err)
		}
	}()
}

func (w *Worker) registerSync() {
	w.mu.RLock()
	r := w.registrar
	w.mu.RUnlock()

	if r == nil {
		log.Printf("Worker: background sync unavailable, %d requests waiting", w.queue.Len())
		return
	}
	if err := r.Register(w.config.SyncTag); err != nil {
		log.Printf("Worker: sync registration failed: %v", err)
	}
}

// =============================================================================
// Replay
// =============================================================================

// OnSync replays the queue once, in order, when tag is the worker's sync tag.
// Requests that fail go back to the tail of the live queue.
func (w *Worker) OnSync(ctx context.Context, tag string) (ReplayResult, error) {
	var result ReplayResult
	if tag != w.config.SyncTag {
		log.Printf("Sync: ignoring unknown tag %q", tag)
		return result, nil
	}

	w.replayMu.Lock()
	defer w.replayMu.Unlock()

	batch := w.queue.DrainForReplay()
	if len(batch) == 0 {
		return result, nil
	}
	log.Printf("Sync: replaying %d queued requests", len(batch))

	// Queue bookkeeping must finish even if ctx is cancelled mid-pass.
	qctx := context.WithoutCancel(ctx)

	for i, q := range batch {
		if err := w.pace(ctx); err != nil {
			w.requeueUntried(qctx, batch[i:])
			return result, fmt.Errorf("replay interrupted: %w", err)
		}

		result.Replayed++
		w.emit(Event{State: StateReplaying, Method: q.Method, URL: q.URL, RequestID: q.ID})

		if err := w.replay(ctx, q); err != nil {
			result.Failed++
			q.Attempts++
			q.LastError = err.Error()

			if w.config.MaxAttempts > 0 && q.Attempts >= w.config.MaxAttempts {
				result.Dropped++
				log.Printf("Sync: dropping %s %s after %d attempts: %v", q.Method, q.URL, q.Attempts, err)
				if cerr := w.queue.Complete(qctx, q); cerr != nil {
					log.Printf("Sync: %v", cerr)
				}
			} else if rerr := w.queue.Requeue(qctx, q); rerr != nil {
				log.Printf("Sync: %v", rerr)
			}
			w.emit(Event{State: StateReplayFailed, Method: q.Method, URL: q.URL, RequestID: q.ID, Error: err.Error()})
			continue
		}

		result.Succeeded++
		if err := w.queue.Complete(qctx, q); err != nil {
			log.Printf("Sync: %v", err)
		}
		w.emit(Event{State: StateReplaySucceeded, Method: q.Method, URL: q.URL, RequestID: q.ID})
	}

	log.Printf("Sync: replayed %d, %d succeeded, %d failed, %d dropped",
		result.Replayed, result.Succeeded, result.Failed, result.Dropped)
	return result, nil
}

func (w *Worker) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.limiter == nil {
		return nil
	}
	return w.limiter.Wait(ctx)
}

// replay sends q once. A transport error or a 5xx counts as failure.
func (w *Worker) replay(ctx context.Context, q *QueuedRequest) error {
	req, err := q.NewRequest(ctx)
	if err != nil {
		return err
	}
	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		log.Printf("Sync: %s %s rejected with %d", q.Method, q.URL, resp.StatusCode)
	}
	return nil
}

func (w *Worker) requeueUntried(ctx context.Context, rest []*QueuedRequest) {
	for _, q := range rest {
		if err := w.queue.Requeue(ctx, q); err != nil {
			log.Printf("Sync: %v", err)
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (w *Worker) emit(ev Event) {
	w.mu.RLock()
	fn := w.observer
	w.mu.RUnlock()
	if fn == nil {
		return
	}
	ev.Time = time.Now().UTC()
	ev.QueueLen = w.queue.Len()
	fn(ev)
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return originOf(u) == originOf(w.origin)
}

func (w *Worker) isAPI(u *url.URL) bool {
	for _, prefix := range w.config.APIPrefixes {
		if strings.Contains(u.Path, prefix) {
			return true
		}
	}
	return false
}

// originOf returns scheme://host:port with the default port filled in.
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	port := u.Port()
	if port == "" {
		switch scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return scheme + "://" + net.JoinHostPort(strings.ToLower(u.Hostname()), port)
}

func cacheable(req *http.Request, resp *http.Response) bool {
	return req.Method == http.MethodGet && resp.StatusCode == http.StatusOK
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}
