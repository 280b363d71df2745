package offline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

var ErrEmptyTag = errors.New("sync tag is empty")

// SyncerConfig holds background sync configuration
type SyncerConfig struct {
	ProbeURL     string        // HEAD target for connectivity checks, defaults to the origin
	ProbeTimeout time.Duration // Timeout for one probe
	SyncInterval time.Duration // Periodic replay while the queue is non-empty

	// Retry settings (exponential backoff)
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

// DefaultSyncerConfig returns default background sync configuration
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		ProbeTimeout:      10 * time.Second,
		SyncInterval:      30 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// Syncer fires sync events for registered tags once the origin is reachable.
// It implements SyncRegistrar.
type Syncer struct {
	config   SyncerConfig
	worker   *Worker
	client   *http.Client
	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	pending  map[string]bool
	online   bool
	lastSync time.Time

	// Current retry delay for exponential backoff
	currentRetryDelay time.Duration
}

// NewSyncer creates a syncer for worker. network must be the raw transport,
// not the worker, so probes are never served from cache.
func NewSyncer(config SyncerConfig, worker *Worker, network http.RoundTripper) *Syncer {
	if config.ProbeURL == "" {
		config.ProbeURL = worker.origin.String()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSyncerConfig().SyncInterval
	}
	if network == nil {
		network = http.DefaultTransport
	}
	return &Syncer{
		config: config,
		worker: worker,
		client: &http.Client{
			Transport: network,
			Timeout:   config.ProbeTimeout,
		},
		wake:              make(chan struct{}, 1),
		stopChan:          make(chan struct{}),
		pending:           make(map[string]bool),
		currentRetryDelay: config.InitialRetryDelay,
	}
}

// Register asks for a sync event with tag. Registrations are coalesced.
func (s *Syncer) Register(tag string) error {
	if tag == "" {
		return ErrEmptyTag
	}
	s.mu.Lock()
	s.pending[tag] = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start runs the sync loop
func (s *Syncer) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop stops the sync loop
func (s *Syncer) Stop() error {
	close(s.stopChan)
	s.wg.Wait()
	return nil
}

// Online reports the result of the last probe
func (s *Syncer) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// LastSync returns when the last replay pass finished
func (s *Syncer) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	var retry <-chan time.Time

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
			if s.worker.Queue().Len() > 0 {
				s.Register(s.worker.SyncTag())
			}
		case <-retry:
			retry = nil
		}

		// Registrations made during a backoff wait for it to expire.
		if retry != nil || !s.hasPending() {
			continue
		}

		if err := s.probe(ctx); err != nil {
			s.setOnline(false)
			delay := s.nextDelay()
			log.Printf("Sync: origin unreachable (%v), retrying in %v", err, delay.Round(time.Millisecond))
			retry = time.After(delay)
			continue
		}
		s.setOnline(true)

		if failed := s.fire(ctx); failed > 0 {
			s.Register(s.worker.SyncTag())
			delay := s.nextDelay()
			log.Printf("Sync: %d requests failed, retrying in %v", failed, delay.Round(time.Millisecond))
			retry = time.After(delay)
			continue
		}
		s.resetDelay()
	}
}

// fire dispatches every pending tag and returns the number of failed replays.
func (s *Syncer) fire(ctx context.Context) int {
	s.mu.Lock()
	tags := make([]string, 0, len(s.pending))
	for tag := range s.pending {
		tags = append(tags, tag)
	}
	s.pending = make(map[string]bool)
	s.mu.Unlock()

	failed := 0
	for _, tag := range tags {
		result, err := s.worker.OnSync(ctx, tag)
		if err != nil {
			log.Printf("Sync: %s: %v", tag, err)
		}
		failed += result.Failed - result.Dropped
	}

	s.mu.Lock()
	s.lastSync = time.Now()
	s.mu.Unlock()
	return failed
}

// probe reports whether the origin answers at all. Any HTTP status counts.
func (s *Syncer) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.config.ProbeURL, nil)
	if err != nil {
		return fmt.Errorf("create probe: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// nextDelay returns the current retry delay with jitter and grows it for
// next time.
func (s *Syncer) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	jitter := s.currentRetryDelay.Seconds() * s.config.JitterPercent * (rand.Float64()*2 - 1)
	delay := s.currentRetryDelay + time.Duration(jitter*float64(time.Second))

	s.currentRetryDelay = time.Duration(float64(s.currentRetryDelay) * s.config.BackoffMultiplier)
	if s.currentRetryDelay > s.config.MaxRetryDelay {
		s.currentRetryDelay = s.config.MaxRetryDelay
	}
	return delay
}

func (s *Syncer) resetDelay() {
	s.mu.Lock()
	s.currentRetryDelay = s.config.InitialRetryDelay
	s.mu.Unlock()
}

func (s *Syncer) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

func (s *Syncer) setOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if changed {
		if online {
			log.Println("Sync: origin reachable")
		} else {
			log.Println("Sync: origin unreachable")
		}
	}
}
