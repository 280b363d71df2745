package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// CachedResponse is a stored response snapshot
type CachedResponse struct {
	Key        string      `json:"key"`
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// CacheStorage holds named cache pools. Writes are last-write-wins per key.
type CacheStorage interface {
	// Open creates the pool if it does not exist.
	Open(ctx context.Context, pool string) error
	Put(ctx context.Context, pool string, entry *CachedResponse) error
	// Match returns nil with no error on a miss.
	Match(ctx context.Context, pool, key string) (*CachedResponse, error)
	Pools(ctx context.Context) ([]string, error)
	DeletePool(ctx context.Context, pool string) error
}

// CacheKey identifies a request in a pool.
func CacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

// snapshot reads resp fully and replaces its body so the caller can still
// consume it.
func snapshot(req *http.Request, resp *http.Response) (*CachedResponse, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &CachedResponse{
		Key:        CacheKey(req),
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now().UTC(),
	}, nil
}

// snapshotOnRead swaps resp.Body for one that copies what the caller reads.
// store gets the snapshot once the body reaches EOF. A body that fails or
// is closed early is never stored.
func snapshotOnRead(req *http.Request, resp *http.Response, store func(*CachedResponse)) {
	entry := &CachedResponse{
		Key:        CacheKey(req),
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}
	resp.Body = &teeBody{
		ReadCloser: resp.Body,
		done: func(body []byte) {
			entry.Body = body
			entry.StoredAt = time.Now().UTC()
			store(entry)
		},
	}
}

type teeBody struct {
	io.ReadCloser
	buf      bytes.Buffer
	done     func([]byte)
	finished bool
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.ReadCloser.Read(p)
	t.buf.Write(p[:n])
	if err == io.EOF && !t.finished {
		t.finished = true
		t.done(t.buf.Bytes())
	}
	return n, err
}

// Response rebuilds an *http.Response for req from the snapshot.
func (c *CachedResponse) Response(req *http.Request) *http.Response {
	header := c.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(c.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.StatusCode, http.StatusText(c.StatusCode)),
		StatusCode:    c.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// MemoryCache is an in-process CacheStorage
type MemoryCache struct {
	mu    sync.RWMutex
	pools map[string]map[string]*CachedResponse
}

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{pools: make(map[string]map[string]*CachedResponse)}
}

func (m *MemoryCache) Open(_ context.Context, pool string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[pool]; !ok {
		m.pools[pool] = make(map[string]*CachedResponse)
	}
	return nil
}

func (m *MemoryCache) Put(_ context.Context, pool string, entry *CachedResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[pool]
	if !ok {
		p = make(map[string]*CachedResponse)
		m.pools[pool] = p
	}
	cp := *entry
	p[entry.Key] = &cp
	return nil
}

func (m *MemoryCache) Match(_ context.Context, pool, key string) (*CachedResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.pools[pool][key]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryCache) Pools(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryCache) DeletePool(_ context.Context, pool string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, pool)
	return nil
}
