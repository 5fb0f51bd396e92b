package cmd

import (
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/tphakala/offlinecache/internal/cachestorage"
	"github.com/tphakala/offlinecache/internal/clients"
	"github.com/tphakala/offlinecache/internal/conf"
	"github.com/tphakala/offlinecache/internal/datastore"
	"github.com/tphakala/offlinecache/internal/datastore/repository"
	"github.com/tphakala/offlinecache/internal/logger"
	"github.com/tphakala/offlinecache/internal/network"
	"github.com/tphakala/offlinecache/internal/observability/metrics"
	"github.com/tphakala/offlinecache/internal/offline"
	"github.com/tphakala/offlinecache/internal/telemetry"
	"gorm.io/gorm"
)

const (
	fetchTimeout   = 30 * time.Second
	telemetryFlush = 2 * time.Second
)

// app holds the components shared by every command.
type app struct {
	settings *conf.Settings
	log      logger.Logger
	reporter *telemetry.Reporter
	db       *gorm.DB
	storage  cachestorage.Storage
	fetcher  network.Fetcher
	clients  *clients.Registry
	metrics  *metrics.Metrics
	manager  *offline.Manager
}

func newApp() (*app, error) {
	settings, err := conf.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	a := &app{
		settings: settings,
		log:      newLogger(settings.Log),
		clients:  clients.NewRegistry(),
		metrics:  metrics.New(),
	}
	logger.SetGlobal(a.log)

	a.reporter, err = telemetry.New(settings.Sentry, Version)
	if err != nil {
		return nil, err
	}
	a.reporter.Install()

	if a.storage, a.db, err = newStorage(&settings.Storage); err != nil {
		a.close()
		return nil, err
	}
	a.fetcher = newFetcher(&http.Client{Timeout: fetchTimeout}, settings.ScopeURL(), settings.UpstreamURL())

	a.manager, err = offline.NewManager(offline.Config{
		Version:          settings.Worker.Version,
		Scope:            settings.ScopeURL(),
		Manifest:         settings.Worker.Manifest,
		FallbackDocument: settings.Worker.FallbackDocument,
		IgnoredSchemes:   settings.Worker.IgnoredSchemes,
	}, a.storage, a.fetcher,
		offline.WithClaimer(a.clients),
		offline.WithMetrics(a.metrics),
		offline.WithLogger(a.log))
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.db != nil {
		if err := datastore.Close(a.db); err != nil {
			a.log.Warn("failed to close database", logger.Error(err))
		}
	}
	a.reporter.Close(telemetryFlush)
}

func newLogger(s conf.LogSettings) logger.Logger {
	level := logger.ParseLevel(s.Level)
	if s.Format == "json" {
		return logger.NewJSONLogger(os.Stderr, level, time.Local)
	}
	return logger.NewSlogLogger(os.Stderr, level, time.Local)
}

// newStorage opens the configured cache storage. The returned database is nil
// for memory storage.
func newStorage(s *conf.StorageSettings) (cachestorage.Storage, *gorm.DB, error) {
	if s.Type == conf.StorageMemory {
		return cachestorage.NewMemoryStorage(), nil, nil
	}
	db, err := datastore.Open(s)
	if err != nil {
		return nil, nil, err
	}
	return cachestorage.NewSQLStorage(repository.NewCacheRepository(db)), db, nil
}

// newFetcher returns the network fetcher. With an upstream, requests for the
// scope origin go to the upstream server.
func newFetcher(client *http.Client, scope, upstream *url.URL) network.Fetcher {
	if upstream == nil {
		return network.NewHTTPFetcher(client, scope)
	}
	return network.NewRewriteFetcher(network.NewHTTPFetcher(client, upstream), scope, upstream)
}
