// Package worker binds the offline cache manager, the push notification
// handler and background sync to the lifecycle event dispatcher.
package worker

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tphakala/offlinecache/internal/clients"
	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/lifecycle"
	"github.com/tphakala/offlinecache/internal/logger"
	"github.com/tphakala/offlinecache/internal/network"
	"github.com/tphakala/offlinecache/internal/notification"
	"github.com/tphakala/offlinecache/internal/observability/metrics"
	"github.com/tphakala/offlinecache/internal/offline"
)

// SyncTag is the background sync tag the worker acknowledges.
const SyncTag = "background-sync"

// Worker owns the event handlers of one worker version.
type Worker struct {
	dispatcher *lifecycle.Dispatcher
	manager    *offline.Manager
	clients    *clients.Registry
	push       *notification.Handler
	scope      *url.URL
	metrics    *metrics.Metrics
	log        logger.Logger
}

// Config holds the collaborators of a Worker. Push may be nil, in which case
// push and notificationclick events have no handler.
type Config struct {
	Dispatcher *lifecycle.Dispatcher
	Manager    *offline.Manager
	Clients    *clients.Registry
	Push       *notification.Handler
	Scope      *url.URL
	Metrics    *metrics.Metrics
	Logger     logger.Logger
}

// New registers the worker's handlers on cfg.Dispatcher.
func New(cfg Config) *Worker {
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}
	w := &Worker{
		dispatcher: cfg.Dispatcher,
		manager:    cfg.Manager,
		clients:    cfg.Clients,
		push:       cfg.Push,
		scope:      cfg.Scope,
		metrics:    cfg.Metrics,
		log:        log.Module("worker"),
	}

	w.on(lifecycle.KindInstall, w.onInstall)
	w.on(lifecycle.KindActivate, w.onActivate)
	w.on(lifecycle.KindFetch, w.onFetch)
	w.on(lifecycle.KindSync, w.onSync)
	if w.push != nil {
		w.on(lifecycle.KindPush, w.onPush)
		w.on(lifecycle.KindNotificationClick, w.onNotificationClick)
	}
	return w
}

func (w *Worker) on(kind lifecycle.Kind, h lifecycle.Handler) {
	w.dispatcher.Register(kind, func(ctx context.Context, ev *lifecycle.Event) error {
		err := h(ctx, ev)
		w.metrics.RecordEvent(string(kind), err)
		return err
	})
}

// Register restores the generation left active by a previous run, then
// installs and activates this version unless it is already active.
// Activation follows install immediately and claims every open client.
func (w *Worker) Register(ctx context.Context) error {
	if err := w.manager.Restore(ctx); err != nil {
		return err
	}
	if w.manager.State() == offline.StateActivated {
		w.log.Info("version already active", logger.String("version", w.manager.Version()))
		return nil
	}
	if err := w.dispatcher.Dispatch(ctx, &lifecycle.Event{Kind: lifecycle.KindInstall}); err != nil {
		return err
	}
	return w.dispatcher.Dispatch(ctx, &lifecycle.Event{Kind: lifecycle.KindActivate})
}

func (w *Worker) onInstall(ctx context.Context, _ *lifecycle.Event) error {
	return w.manager.Install(ctx)
}

func (w *Worker) onActivate(ctx context.Context, _ *lifecycle.Event) error {
	return w.manager.Activate(ctx)
}

// onFetch leaves the event unanswered when the request is not intercepted.
// Subresource requests of clients that no version controls are not
// intercepted; a navigation puts its client under the active version.
func (w *Worker) onFetch(ctx context.Context, ev *lifecycle.Event) error {
	req := ev.Request
	if req == nil || req.URL == nil {
		return errors.Newf("fetch event without request").
			Component("worker").
			Category(errors.CategoryValidation).
			Build()
	}
	if !req.IsNavigation() && !w.clients.IsControlled(ev.ClientID) {
		return nil
	}

	res := w.manager.HandleFetch(ctx, req)
	if !res.Outcome.Intercepted() {
		return nil
	}
	if req.IsNavigation() && ev.ClientID != "" {
		w.clients.Control(ev.ClientID, w.manager.ActiveVersion())
	}
	ev.RespondWith(res.Response)
	// keep the worker alive until the response copy is stored
	if res.Stored != nil {
		ev.WaitUntil(res.Stored)
	}
	return nil
}

func (w *Worker) onSync(_ context.Context, ev *lifecycle.Event) error {
	if ev.Tag != SyncTag {
		w.log.Debug("ignoring sync event", logger.String("tag", ev.Tag))
		return nil
	}
	w.log.Info("background sync triggered", logger.String("tag", ev.Tag))
	return nil
}

func (w *Worker) onPush(ctx context.Context, ev *lifecycle.Event) error {
	_, err := w.push.HandlePush(ctx, ev.Data)
	return err
}

// onNotificationClick answers with a redirect to the window it opened.
func (w *Worker) onNotificationClick(ctx context.Context, ev *lifecycle.Event) error {
	target, err := w.push.HandleClick(ctx, ev.NotificationID)
	if err != nil {
		return err
	}
	location := target
	if w.scope != nil {
		if ref, err := url.Parse(target); err == nil {
			location = w.scope.ResolveReference(ref).String()
		}
	}
	header := make(http.Header)
	header.Set("Location", location)
	ev.RespondWith(network.NewResponse(http.StatusSeeOther, header, nil))
	return nil
}
