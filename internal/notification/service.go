package notification

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/logger"
	"github.com/tphakala/offlinecache/internal/observability/metrics"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultRetention = 24 * time.Hour
	// subscriberBuffer is the per-subscriber channel capacity. Updates are
	// dropped for subscribers that fall this far behind.
	subscriberBuffer = 32
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Retention is how long a displayed notification is kept before it
	// expires. Zero uses 24h.
	Retention time.Duration
	Providers []Provider
	Logger    logger.Logger
	Metrics   *metrics.Metrics
}

// Service keeps displayed notifications and fans out updates.
type Service struct {
	store     *gocache.Cache
	providers []Provider
	log       logger.Logger
	metrics   *metrics.Metrics

	subMu       sync.Mutex
	subscribers map[<-chan Update]chan Update
	stopped     bool
}

// NewService creates a notification service. A nil config uses defaults.
func NewService(config *ServiceConfig) *Service {
	if config == nil {
		config = &ServiceConfig{}
	}
	retention := config.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	log := config.Logger
	if log == nil {
		log = logger.Global()
	}
	cleanup := retention / 2
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &Service{
		store:       gocache.New(retention, cleanup),
		providers:   slices.Clone(config.Providers),
		log:         log.Module("notification"),
		metrics:     config.Metrics,
		subscribers: make(map[<-chan Update]chan Update),
	}
}

// Show displays a notification: it is stored, announced to subscribers and
// forwarded to enabled providers. Provider failures are logged, not returned.
func (s *Service) Show(ctx context.Context, title string, opts Options) (*Notification, error) {
	title = norm.NFC.String(title)
	if title == "" {
		return nil, errors.Newf("notification title is empty").
			Component("notification").
			Category(errors.CategoryValidation).
			Build()
	}
	opts.Body = norm.NFC.String(opts.Body)

	n := NewNotification(title, opts)
	s.store.SetDefault(n.ID, n)
	s.metrics.RecordNotification(ActionShown)
	s.log.Info("notification shown",
		logger.String("id", n.ID),
		logger.String("title", n.Title),
		logger.String("data", n.Data))

	s.publish(Update{Action: ActionShown, Notification: n})
	s.forward(ctx, n)
	return n, nil
}

// forward sends n to every enabled provider in parallel and waits for all.
func (s *Service) forward(ctx context.Context, n *Notification) {
	var wg sync.WaitGroup
	for _, p := range s.providers {
		if !p.IsEnabled() {
			continue
		}
		wg.Go(func() {
			err := p.Send(ctx, n)
			s.metrics.RecordForward(p.GetName(), err)
			if err != nil {
				s.log.Warn("failed to forward notification",
					logger.String("provider", p.GetName()),
					logger.String("id", n.ID),
					logger.Error(err))
			}
		})
	}
	wg.Wait()
}

// Get returns a displayed notification.
func (s *Service) Get(id string) (*Notification, error) {
	v, ok := s.store.Get(id)
	if !ok {
		return nil, errors.New(ErrNotificationNotFound).
			Component("notification").
			Category(errors.CategoryNotFound).
			Context("id", id).
			Build()
	}
	return v.(*Notification), nil
}

// List returns displayed notifications, oldest first.
func (s *Service) List() []*Notification {
	items := s.store.Items()
	out := make([]*Notification, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(*Notification))
	}
	slices.SortFunc(out, func(a, b *Notification) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Close dismisses a notification. It reports whether it was displayed.
func (s *Service) Close(id string) bool {
	v, ok := s.store.Get(id)
	if !ok {
		return false
	}
	s.store.Delete(id)
	s.metrics.RecordNotification(ActionClosed)
	s.publish(Update{Action: ActionClosed, Notification: v.(*Notification)})
	return true
}

// Subscribe returns a channel receiving every update until Unsubscribe.
func (s *Service) Subscribe() <-chan Update {
	ch := make(chan Update, subscriberBuffer)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.stopped {
		close(ch)
		return ch
	}
	s.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (s *Service) Unsubscribe(ch <-chan Update) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if c, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(c)
	}
}

// publish delivers u without blocking; slow subscribers miss updates.
func (s *Service) publish(u Update) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, c := range s.subscribers {
		select {
		case c <- u:
		default:
			s.log.Debug("subscriber buffer full, dropping update", logger.String("action", u.Action))
		}
	}
}

// Stop closes every subscription. Later subscriptions are closed immediately.
func (s *Service) Stop() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.stopped = true
	for k, c := range s.subscribers {
		delete(s.subscribers, k)
		close(c)
	}
}
