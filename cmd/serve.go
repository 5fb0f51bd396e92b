package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tphakala/offlinecache/internal/api"
	"github.com/tphakala/offlinecache/internal/conf"
	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/lifecycle"
	"github.com/tphakala/offlinecache/internal/logger"
	"github.com/tphakala/offlinecache/internal/mqtt"
	"github.com/tphakala/offlinecache/internal/notification"
	"github.com/tphakala/offlinecache/internal/worker"
)

// clientIdleTimeout is how long a client may stay silent before the registry
// forgets it.
const clientIdleTimeout = 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline cache proxy",
	Long: `Run the proxy. On start the configured worker version is installed and
activated unless it is already the active generation. The admin API is served
under /_worker on the same listener.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := a.settings
	notification.Initialize(&notification.ServiceConfig{
		Retention: s.Notification.Retention.Std(),
		Providers: pushProviders(s.Notification.Push),
		Logger:    a.log,
		Metrics:   a.metrics,
	})
	service := notification.GetService()
	defer service.Stop()

	push := notification.NewHandler(service, a.clients, notification.Defaults{
		Title: s.Notification.DefaultTitle,
		Body:  s.Notification.DefaultBody,
		URL:   s.Notification.DefaultURL,
		Icon:  s.Notification.Icon,
		Badge: s.Notification.Badge,
	}, a.metrics, a.log)

	dispatcher := lifecycle.NewDispatcher(a.log)
	w := worker.New(worker.Config{
		Dispatcher: dispatcher,
		Manager:    a.manager,
		Clients:    a.clients,
		Push:       push,
		Scope:      s.ScopeURL(),
		Metrics:    a.metrics,
		Logger:     a.log,
	})
	dispatcher.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := dispatcher.Stop(stopCtx); err != nil {
			a.log.Warn("dispatcher did not drain", logger.Error(err))
		}
	}()

	// A failed install leaves the previous generation serving; the proxy
	// still starts.
	if err := w.Register(ctx); err != nil {
		a.log.Error("worker registration failed", logger.Error(err))
	}

	if s.MQTT.Enabled {
		source, err := mqtt.NewPushSource(s.MQTT, dispatcher, a.log)
		if err != nil {
			return err
		}
		defer source.Disconnect()
		if err := source.Connect(ctx); err != nil {
			// on ErrConnectPending the client keeps dialing until Disconnect
			a.log.Warn("mqtt broker unavailable",
				logger.Bool("retrying", errors.Is(err, mqtt.ErrConnectPending)),
				logger.Error(err))
		}
	}

	go forgetIdleClients(ctx, a)

	server := api.New(api.Config{
		Settings:      s.Server,
		Scope:         s.ScopeURL(),
		Dispatcher:    dispatcher,
		Manager:       a.manager,
		Storage:       a.storage,
		Clients:       a.clients,
		Notifications: service,
		Fetcher:       a.fetcher,
		Metrics:       a.metrics,
		Logger:        a.log,
	})
	return server.ListenAndServe(ctx)
}

func pushProviders(targets []conf.PushTarget) []notification.Provider {
	providers := make([]notification.Provider, 0, len(targets))
	for _, t := range targets {
		providers = append(providers, notification.NewShoutrrrProvider(t.Name, t.Enabled, t.URLs, t.Timeout.Std()))
	}
	return providers
}

func forgetIdleClients(ctx context.Context, a *app) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.clients.Forget(now.Add(-clientIdleTimeout)); n > 0 {
				a.log.Debug("forgot idle clients", logger.Int("count", n))
			}
		}
	}
}
