// Package mqtt subscribes to an MQTT topic and turns every message into a
// push event for the worker.
package mqtt

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/tphakala/offlinecache/internal/conf"
	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/lifecycle"
	"github.com/tphakala/offlinecache/internal/logger"
)

const (
	connectTimeout     = 10 * time.Second
	disconnectQuiesce  = 250 // milliseconds
	minReconnectPeriod = 5 * time.Second
)

var (
	// ErrConnectTooSoon is returned when Connect is retried inside the cooldown.
	ErrConnectTooSoon = errors.NewStd("connection attempt too recent")
	// ErrConnectPending is returned when the broker did not answer in time.
	// The client keeps dialing and subscribes once connected.
	ErrConnectPending = errors.NewStd("mqtt connection pending")
)

// Poster accepts events without waiting for their handlers.
type Poster interface {
	Post(ev *lifecycle.Event) error
}

// PushSource forwards MQTT messages to a Poster as push events.
type PushSource struct {
	settings conf.MQTTSettings
	poster   Poster
	log      logger.Logger

	mu          sync.Mutex
	client      paho.Client
	lastAttempt time.Time
	now         func() time.Time
	connectWait time.Duration
}

// NewPushSource validates settings and returns an unconnected source.
func NewPushSource(settings conf.MQTTSettings, poster Poster, log logger.Logger) (*PushSource, error) {
	if settings.Broker == "" {
		return nil, errors.Newf("mqtt broker is not configured").
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if settings.Topic == "" {
		return nil, errors.Newf("mqtt topic is not configured").
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if settings.QoS > 2 {
		return nil, errors.Newf("invalid mqtt qos %d", settings.QoS).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Context("qos", settings.QoS).
			Build()
	}
	if log == nil {
		log = logger.Global()
	}
	return &PushSource{
		settings:    settings,
		poster:      poster,
		log:         log.Module("mqtt").With(logger.String("broker", settings.Broker)),
		now:         time.Now,
		connectWait: connectTimeout,
	}, nil
}

func (s *PushSource) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(s.settings.Broker).
		SetClientID(s.settings.ClientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(minReconnectPeriod).
		SetCleanSession(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.log.Warn("connection lost", logger.Error(err))
		})
	if s.settings.Username != "" {
		opts.SetUsername(s.settings.Username)
		opts.SetPassword(s.settings.Password)
	}
	return opts
}

// Connect dials the broker and waits a bounded time for the first
// connection. Subscription happens on every (re)connect.
func (s *PushSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	if now := s.now(); !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < minReconnectPeriod {
		s.mu.Unlock()
		return ErrConnectTooSoon
	}
	s.lastAttempt = s.now()
	if s.client == nil {
		s.client = paho.NewClient(s.options())
	}
	client := s.client
	s.mu.Unlock()

	token := client.Connect()
	timer := time.NewTimer(s.connectWait)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		return errors.New(ErrConnectPending).
			Component("mqtt").
			Category(errors.CategoryNetwork).
			Context("broker", s.settings.Broker).
			Build()
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryNetwork).
			Context("broker", s.settings.Broker).
			Build()
	}
	return nil
}

func (s *PushSource) onConnect(client paho.Client) {
	token := client.Subscribe(s.settings.Topic, s.settings.QoS, s.handleMessage)
	if !token.WaitTimeout(connectTimeout) {
		s.log.Error("subscribe timed out", logger.String("topic", s.settings.Topic))
		return
	}
	if err := token.Error(); err != nil {
		s.log.Error("subscribe failed", logger.String("topic", s.settings.Topic), logger.Error(err))
		return
	}
	s.log.Info("subscribed", logger.String("topic", s.settings.Topic))
}

// handleMessage skips retained messages so a stale payload is not shown
// again after every reconnect.
func (s *PushSource) handleMessage(_ paho.Client, msg paho.Message) {
	if msg.Retained() {
		s.log.Debug("ignoring retained message", logger.String("topic", msg.Topic()))
		return
	}
	payload := append([]byte(nil), msg.Payload()...)
	if err := s.poster.Post(lifecycle.NewPushEvent(payload)); err != nil {
		s.log.Warn("failed to post push event",
			logger.String("topic", msg.Topic()),
			logger.Error(err))
		return
	}
	s.log.Debug("push event posted",
		logger.String("topic", msg.Topic()),
		logger.Int("bytes", len(payload)))
}

// IsConnected reports whether the client holds a live broker connection.
func (s *PushSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

// Disconnect unsubscribes and closes the connection. It also stops a
// pending connection attempt.
func (s *PushSource) Disconnect() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}
	if client.IsConnected() {
		if token := client.Unsubscribe(s.settings.Topic); !token.WaitTimeout(time.Second) {
			s.log.Warn("unsubscribe timed out")
		}
	}
	client.Disconnect(disconnectQuiesce)
	s.log.Info("disconnected")
}
