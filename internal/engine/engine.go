// Package engine wires the offline worker, background sync, local storage and
// the plot service into the agent that sits between the app and its backend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/agroeye/field-agent/internal/notify"
	"github.com/agroeye/field-agent/internal/offline"
	"github.com/agroeye/field-agent/internal/plot"
	"github.com/agroeye/field-agent/internal/storage"
)

// Config holds engine configuration
type Config struct {
	DatabasePath         string
	ListenAddr           string        // Address the agent serves the app on
	HTTPTimeout          time.Duration // Response header timeout for origin requests
	InstallRetryInterval time.Duration // Delay between install attempts while the origin is unreachable
	ShutdownTimeout      time.Duration

	Worker offline.Config
	Syncer offline.SyncerConfig
	Notify notify.Config
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		DatabasePath:         "/var/lib/agroeye/agent.db",
		ListenAddr:           "127.0.0.1:8088",
		HTTPTimeout:          30 * time.Second,
		InstallRetryInterval: 30 * time.Second,
		ShutdownTimeout:      5 * time.Second,
		Worker:               offline.DefaultConfig(),
		Syncer:               offline.DefaultSyncerConfig(),
		Notify:               notify.DefaultConfig(),
	}
}

// Engine is the agent: a caching reverse proxy in front of the origin plus
// the local plot API.
type Engine struct {
	config   Config
	db       *storage.DB
	origin   *url.URL
	worker   *offline.Worker
	syncer   *offline.Syncer
	hub      *notify.Hub
	plots    *plot.Service
	proxy    *httputil.ReverseProxy
	server   *http.Server
	listener net.Listener
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new engine instance
func New(config Config) (*Engine, error) {
	origin, err := url.Parse(config.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}

	// Open database
	db, err := storage.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	queue, err := offline.NewPersistentSyncQueue(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to restore sync queue: %w", err)
	}

	network := http.DefaultTransport.(*http.Transport).Clone()
	network.ResponseHeaderTimeout = config.HTTPTimeout

	worker, err := offline.New(config.Worker, network, db, queue)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	syncer := offline.NewSyncer(config.Syncer, worker, network)
	worker.SetRegistrar(syncer)

	e := &Engine{
		config:   config,
		db:       db,
		origin:   origin,
		worker:   worker,
		syncer:   syncer,
		hub:      notify.New(config.Notify),
		plots:    plot.NewService(db),
		stopChan: make(chan struct{}),
	}

	worker.SetObserver(e.handleEvent)
	e.hub.SetStatusFunc(func() interface{} { return e.Status() })

	e.proxy = &httputil.ReverseProxy{
		Rewrite:      e.rewrite,
		Transport:    worker,
		ErrorHandler: e.proxyError,
	}
	e.server = &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return e, nil
}

// Start installs the worker, starts background sync and begins serving
func (e *Engine) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.config.ListenAddr, err)
	}
	e.listener = ln

	if err := e.syncer.Start(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start syncer: %w", err)
	}

	// Requests queued before a restart still need replaying
	if e.worker.Queue().Len() > 0 {
		if err := e.syncer.Register(e.worker.SyncTag()); err != nil {
			log.Printf("Engine: failed to register sync: %v", err)
		}
	}

	// A generation installed by an earlier run takes over at once, so a
	// restart while offline still serves the cache and queues writes
	resumed, err := e.worker.Resume(ctx)
	if err != nil {
		log.Printf("Engine: failed to resume worker: %v", err)
	}

	e.wg.Add(1)
	go e.installLoop(ctx, resumed)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Engine: server error: %v", err)
		}
	}()

	log.Printf("Engine started on %s, proxying %s", ln.Addr(), e.origin)
	return nil
}

// Stop stops the engine
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		close(e.stopChan)

		ctx, cancel := context.WithTimeout(context.Background(), e.config.ShutdownTimeout)
		defer cancel()
		if err := e.server.Shutdown(ctx); err != nil {
			log.Printf("Error stopping server: %v", err)
		}

		// Hijacked websocket connections are not closed by Shutdown
		e.hub.Stop()
		e.wg.Wait()

		e.syncer.Stop()
		e.worker.Wait()

		if err := e.db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
		log.Println("Engine stopped")
	})
	return nil
}

// Addr returns the address the engine is serving on, once started
func (e *Engine) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Worker returns the offline worker
func (e *Engine) Worker() *offline.Worker {
	return e.worker
}

// installLoop installs and activates the worker, retrying while the origin
// is unreachable. Until activation every request passes straight through.
// A resumed worker is already active and the loop only refreshes the
// precache.
func (e *Engine) installLoop(ctx context.Context, resumed bool) {
	defer e.wg.Done()

	if resumed {
		e.publishStatus()
	}

	for {
		err := e.worker.OnInstall(ctx)
		if err == nil {
			if err := e.worker.OnActivate(ctx); err != nil {
				log.Printf("Engine: activation failed: %v", err)
			} else {
				e.publishStatus()
				return
			}
		} else if resumed {
			log.Printf("Engine: precache refresh failed, retrying in %v: %v", e.config.InstallRetryInterval, err)
		} else {
			log.Printf("Engine: install failed, retrying in %v: %v", e.config.InstallRetryInterval, err)
		}

		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-time.After(e.config.InstallRetryInterval):
		}
	}
}

// EngineStatus is reported by /_agent/status and pushed to new clients
type EngineStatus struct {
	offline.Status
	Online   bool       `json:"online"`
	LastSync *time.Time `json:"last_sync,omitempty"`
	Clients  int        `json:"clients"`
}

// Status returns a snapshot of the agent's state
func (e *Engine) Status() EngineStatus {
	st := EngineStatus{
		Status:  e.worker.Status(),
		Online:  e.syncer.Online(),
		Clients: e.hub.Clients(),
	}
	if last := e.syncer.LastSync(); !last.IsZero() {
		st.LastSync = &last
	}
	return st
}

// Sync replays the queue now, outside the background schedule
func (e *Engine) Sync(ctx context.Context) (offline.ReplayResult, error) {
	result, err := e.worker.OnSync(ctx, e.worker.SyncTag())
	if perr := e.hub.Publish(notify.MsgTypeReplay, result); perr != nil {
		log.Printf("Engine: %v", perr)
	}
	return result, err
}

// handleEvent forwards worker transitions that matter to the app
func (e *Engine) handleEvent(ev offline.Event) {
	switch ev.State {
	case offline.StateIssued, offline.StateNetworkSucceeded:
		return
	}
	if err := e.hub.Publish(notify.MsgTypeSyncEvent, ev); err != nil {
		log.Printf("Engine: %v", err)
	}
}

func (e *Engine) publishStatus() {
	if err := e.hub.Publish(notify.MsgTypeStatus, e.Status()); err != nil {
		log.Printf("Engine: %v", err)
	}
}

// rewrite points relative requests at the origin. Absolute-form requests
// (forward proxy use) keep their target so cross-origin calls pass through.
func (e *Engine) rewrite(r *httputil.ProxyRequest) {
	if r.In.URL.IsAbs() {
		r.Out.Host = r.Out.URL.Host
	} else {
		r.SetURL(e.origin)
	}
	r.SetXForwarded()
}

func (e *Engine) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	log.Printf("Engine: proxy %s %s: %v", r.Method, r.URL, err)
	w.WriteHeader(http.StatusBadGateway)
}
