// Package offline implements the cache-first offline policy: install pre-caches
// the manifest into a versioned generation, activate removes every other
// generation, and fetch answers intercepted requests from the cache, the
// network, or the cached default document.
package offline

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tphakala/offlinecache/internal/cachestorage"
	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/logger"
	"github.com/tphakala/offlinecache/internal/network"
	"github.com/tphakala/offlinecache/internal/observability/metrics"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of the worker version managed by a Manager.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrNotInstalled is returned by Activate before a successful Install.
var ErrNotInstalled = errors.NewStd("worker version is not installed")

// Claimer takes control of open clients.
type Claimer interface {
	Claim(version string) int
}

// Config is fixed for the lifetime of a Manager.
type Config struct {
	Version          string
	Scope            *url.URL
	Manifest         []string
	FallbackDocument string
	IgnoredSchemes   []string
}

// FetchResult is the answer to an intercepted request. Response is nil for
// OutcomeBypass and OutcomeOfflineNone.
type FetchResult struct {
	Outcome  Outcome
	Response *network.Response
	// Stored waits for the write of this response into the cache. It is
	// nil when nothing is being stored.
	Stored func(ctx context.Context) error
}

// Manager runs the offline cache lifecycle for one version.
type Manager struct {
	cfg      Config
	fallback *url.URL
	storage  cachestorage.Storage
	fetcher  network.Fetcher
	clients  Claimer
	metrics  *metrics.Metrics
	log      logger.Logger

	lifecycleMu sync.Mutex // serializes Install and Activate

	mu     sync.RWMutex
	state  State
	active string // generation in effect for fetches, "" before any activation

	pending sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records fetch outcomes and lifecycle results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// WithClaimer sets who is told to claim clients on activation.
func WithClaimer(c Claimer) Option {
	return func(mg *Manager) { mg.clients = c }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(mg *Manager) { mg.log = l }
}

// NewManager validates cfg and creates a manager in StateParsed.
func NewManager(cfg Config, storage cachestorage.Storage, fetcher network.Fetcher, opts ...Option) (*Manager, error) {
	if cfg.Version == "" {
		return nil, errors.Newf("version is required").
			Component("offline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Scope == nil || !cfg.Scope.IsAbs() {
		return nil, errors.Newf("scope must be an absolute URL").
			Component("offline").
			Category(errors.CategoryConfiguration).
			Context("version", cfg.Version).
			Build()
	}
	if cfg.FallbackDocument == "" {
		cfg.FallbackDocument = "./index.html"
	}
	ref, err := url.Parse(cfg.FallbackDocument)
	if err != nil {
		return nil, errors.New(err).
			Component("offline").
			Category(errors.CategoryConfiguration).
			Context("fallback_document", cfg.FallbackDocument).
			Build()
	}

	m := &Manager{
		cfg:      cfg,
		fallback: cfg.Scope.ResolveReference(ref),
		storage:  storage,
		fetcher:  fetcher,
		state:    StateParsed,
		log:      logger.Global(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Module("offline").With(logger.String("version", cfg.Version))
	return m, nil
}

// Version returns the configured cache generation name.
func (m *Manager) Version() string { return m.cfg.Version }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ActiveVersion returns the generation currently answering fetches.
func (m *Manager) ActiveVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Restore loads the active version recorded by a previous run so fetches are
// served while this version installs. If the recorded version is this one,
// the manager starts out activated.
func (m *Manager) Restore(ctx context.Context) error {
	version, err := m.storage.ActiveVersion(ctx)
	if err != nil {
		return err
	}
	if version == "" {
		return nil
	}
	exists, err := m.storage.Has(ctx, version)
	if err != nil {
		return err
	}
	if !exists {
		m.log.Warn("recorded active generation is missing", logger.String("active", version))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = version
	if version == m.cfg.Version {
		m.state = StateActivated
	}
	m.log.Info("restored active generation", logger.String("active", version))
	return nil
}

// Install fetches every manifest URL and stores all responses in the
// version's generation as one unit. On failure nothing is stored, a
// generation created by this call is removed, the state becomes redundant and
// the previously active generation stays in effect.
func (m *Manager) Install(ctx context.Context) (err error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	start := time.Now()
	m.setState(StateInstalling)
	m.log.Info("installing", logger.Int("manifest_entries", len(m.cfg.Manifest)))

	defer func() {
		m.metrics.RecordInstall(err)
		if err != nil {
			m.setState(StateRedundant)
			m.log.Error("install failed", logger.Error(err))
			return
		}
		m.setState(StateInstalled)
		m.log.Info("installed", logger.Duration("duration", time.Since(start)))
	}()

	urls, err := ResolveManifest(m.cfg.Scope, m.cfg.Manifest)
	if err != nil {
		return err
	}

	existed, err := m.storage.Has(ctx, m.cfg.Version)
	if err != nil {
		return err
	}
	cache, err := m.storage.Open(ctx, m.cfg.Version)
	if err != nil {
		return err
	}

	entries, err := m.fetchManifest(ctx, urls)
	if err == nil {
		err = cache.PutAll(ctx, entries)
	}
	if err != nil {
		closeEntries(entries)
		if !existed {
			if _, delErr := m.storage.Delete(context.WithoutCancel(ctx), m.cfg.Version); delErr != nil {
				m.log.Warn("failed to remove partial generation", logger.Error(delErr))
			}
		}
		return errors.New(err).
			Component("offline").
			Category(errors.CategoryOf(err)).
			Context("operation", "install").
			Context("version", m.cfg.Version).
			Build()
	}
	return nil
}

// fetchManifest fetches urls in parallel. Every response must be ok.
func (m *Manager) fetchManifest(ctx context.Context, urls []*url.URL) ([]cachestorage.Entry, error) {
	entries := make([]cachestorage.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			req := &network.Request{URL: u, Method: http.MethodGet, Header: make(http.Header)}
			resp, err := m.fetcher.Fetch(gctx, req)
			if err != nil {
				return err
			}
			if !resp.OK() {
				_ = resp.Close()
				return errors.Newf("manifest entry %s answered %d (%s)", u, resp.Status, resp.Type).
					Component("offline").
					Category(errors.CategoryNetwork).
					Context("url", u.String()).
					Context("status", resp.Status).
					Build()
			}
			entries[i] = cachestorage.Entry{Request: req, Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeEntries(entries)
		return nil, err
	}
	return entries, nil
}

func closeEntries(entries []cachestorage.Entry) {
	for _, e := range entries {
		if e.Response != nil {
			_ = e.Response.Close()
		}
	}
}

// Activate deletes every generation except this version's, waiting for all
// deletions, then records this version as active and claims all clients.
// Deletion failures do not stop the other deletions or the claim; they are
// returned joined. Activating again is harmless.
func (m *Manager) Activate(ctx context.Context) (err error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	prev := m.State()
	switch prev {
	case StateInstalled, StateActivated:
	default:
		return errors.New(ErrNotInstalled).
			Component("offline").
			Category(errors.CategoryValidation).
			Context("state", string(prev)).
			Build()
	}
	m.setState(StateActivating)

	deleted := 0
	defer func() {
		m.metrics.RecordActivate(err, deleted)
	}()

	names, err := m.storage.Names(ctx)
	if err != nil {
		m.setState(prev)
		return err
	}

	var (
		errsMu sync.Mutex
		errs   []error
	)
	var g errgroup.Group
	for _, name := range StaleGenerations(names, m.cfg.Version) {
		g.Go(func() error {
			ok, err := m.storage.Delete(ctx, name)
			errsMu.Lock()
			defer errsMu.Unlock()
			if err != nil {
				m.log.Warn("failed to delete stale generation",
					logger.String("generation", name), logger.Error(err))
				errs = append(errs, err)
				return nil
			}
			if ok {
				deleted++
				m.log.Info("deleted stale generation", logger.String("generation", name))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := m.storage.SetActiveVersion(ctx, m.cfg.Version); err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	m.active = m.cfg.Version
	m.state = StateActivated
	m.mu.Unlock()

	claimed := 0
	if m.clients != nil {
		claimed = m.clients.Claim(m.cfg.Version)
	}
	m.log.Info("activated", logger.Int("deleted", deleted), logger.Int("claimed", claimed))

	return errors.Join(errs...)
}

// HandleFetch answers one intercepted request. Valid network responses are
// stored asynchronously; FetchResult.Stored waits for that write and Wait
// for all of them.
func (m *Manager) HandleFetch(ctx context.Context, req *network.Request) FetchResult {
	start := time.Now()
	res := m.handleFetch(ctx, req)
	m.metrics.RecordFetch(string(res.Outcome), string(req.Destination), time.Since(start).Seconds())
	m.log.Debug("fetch",
		logger.String("url", req.KeyURL()),
		logger.String("destination", string(req.Destination)),
		logger.String("outcome", string(res.Outcome)))
	return res
}

func (m *Manager) handleFetch(ctx context.Context, req *network.Request) FetchResult {
	if IsIgnoredScheme(req.URL, m.cfg.IgnoredSchemes) {
		return FetchResult{Outcome: OutcomeBypass}
	}
	active := m.ActiveVersion()
	if active == "" {
		return FetchResult{Outcome: OutcomeBypass}
	}

	// An activation may delete this generation while the request is in
	// flight. Lookup never recreates it.
	cache, ok, err := m.storage.Lookup(ctx, active)
	if err != nil {
		m.log.Warn("cache unavailable, bypassing", logger.Error(err))
		return FetchResult{Outcome: OutcomeBypass}
	}
	if !ok {
		m.log.Debug("generation no longer exists, bypassing", logger.String("generation", active))
		return FetchResult{Outcome: OutcomeBypass}
	}

	if req.IsGet() {
		cached, err := cache.Match(ctx, req)
		if err == nil {
			return FetchResult{Outcome: OutcomeCacheHit, Response: cached}
		}
		if !errors.Is(err, cachestorage.ErrCacheMiss) {
			m.log.Warn("cache lookup failed", logger.String("url", req.KeyURL()), logger.Error(err))
		}
	}

	resp, netErr := m.fetcher.Fetch(ctx, req)
	outcome := ClassifyFetch(false, resp, netErr, req.Destination)

	switch outcome {
	case OutcomeNetworkStored:
		if !req.IsGet() {
			return FetchResult{Outcome: OutcomeNetworkPassthrough, Response: resp}
		}
		dup, err := resp.Clone()
		if err != nil {
			// Reading the body failed; the response is unusable.
			m.log.Warn("failed to read network response", logger.String("url", req.KeyURL()), logger.Error(err))
			return m.offline(ctx, cache, req)
		}
		stored := m.store(ctx, cache, req, dup)
		return FetchResult{Outcome: outcome, Response: resp, Stored: stored}
	case OutcomeNetworkPassthrough:
		return FetchResult{Outcome: outcome, Response: resp}
	default:
		m.log.Debug("network unavailable", logger.String("url", req.KeyURL()), logger.Error(netErr))
		return m.offline(ctx, cache, req)
	}
}

// offline answers a request whose network fetch failed.
func (m *Manager) offline(ctx context.Context, cache cachestorage.Cache, req *network.Request) FetchResult {
	if !req.IsNavigation() {
		return FetchResult{Outcome: OutcomeOfflineNone}
	}
	fallback := &network.Request{URL: m.fallback, Method: http.MethodGet, Destination: network.DestinationDocument}
	resp, err := cache.Match(ctx, fallback)
	if err != nil {
		m.log.Warn("default document is not cached", logger.String("url", m.fallback.String()))
		return FetchResult{Outcome: OutcomeOfflineNone}
	}
	return FetchResult{Outcome: OutcomeOfflineFallback, Response: resp}
}

// store writes dup without blocking the caller. Failures are logged and
// counted, never returned.
// store writes dup in the background and returns a wait for that write only.
func (m *Manager) store(ctx context.Context, cache cachestorage.Cache, req *network.Request, dup *network.Response) func(context.Context) error {
	storeCtx := context.WithoutCancel(ctx)
	done := make(chan struct{})
	m.pending.Go(func() {
		defer close(done)
		size := int(dup.Size())
		err := cache.Put(storeCtx, req, dup)
		if errors.Is(err, cachestorage.ErrCacheDeleted) {
			// lost the race against an activation; the generation is gone
			m.log.Debug("generation deleted before store",
				logger.String("url", req.KeyURL()),
				logger.String("generation", cache.Name()))
			return
		}
		m.metrics.RecordStore(size, err)
		if err != nil {
			m.log.Warn("failed to store network response",
				logger.String("url", req.KeyURL()),
				logger.String("generation", cache.Name()),
				logger.Error(err))
		}
	})
	return func(ctx context.Context) error {
		return waitDone(ctx, done)
	}
}

// Wait blocks until every pending store finished or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
	return waitDone(ctx, done)
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
