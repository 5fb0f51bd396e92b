package notification

import (
	"bytes"
	"context"

	"github.com/antonholmquist/jason"
	"github.com/tphakala/offlinecache/internal/clients"
	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/logger"
	"github.com/tphakala/offlinecache/internal/observability/metrics"
)

// Push results recorded in metrics.
const (
	PushShown   = "shown"
	PushIgnored = "ignored"
	PushInvalid = "invalid"
)

// PushPayload is the decoded data of a push message. Empty fields were
// absent, empty or not representable as text.
type PushPayload struct {
	Title string
	Body  string
	URL   string
}

// ParsePushPayload decodes a push message. Any valid JSON is accepted; only
// the title, body and url members of an object are read. Malformed JSON is a
// validation error.
func ParsePushPayload(data []byte) (*PushPayload, error) {
	v, err := jason.NewValueFromBytes(data)
	if err != nil {
		return nil, errors.New(err).
			Component("notification").
			Category(errors.CategoryValidation).
			Context("operation", "parse_push_payload").
			Build()
	}
	p := &PushPayload{}
	obj, err := v.Object()
	if err != nil {
		// arrays, strings and numbers carry no fields
		return p, nil
	}
	p.Title = textMember(obj, "title")
	p.Body = textMember(obj, "body")
	p.URL = textMember(obj, "url")
	return p, nil
}

// textMember reads key as text. Numbers and true are rendered; null, false,
// objects and arrays count as absent.
func textMember(obj *jason.Object, key string) string {
	v, err := obj.GetValue(key)
	if err != nil {
		return ""
	}
	if s, err := v.String(); err == nil {
		return s
	}
	if n, err := v.Number(); err == nil {
		return n.String()
	}
	if b, err := v.Boolean(); err == nil && b {
		return "true"
	}
	return ""
}

// Defaults are applied to push payload fields that are absent.
type Defaults struct {
	Title string
	Body  string
	URL   string
	Icon  string
	Badge string
}

// Handler turns push messages into notifications and handles clicks.
type Handler struct {
	service  *Service
	opener   clients.WindowOpener
	defaults Defaults
	metrics  *metrics.Metrics
	log      logger.Logger
}

// NewHandler creates a push and click handler. A nil service uses the global
// instance.
func NewHandler(service *Service, opener clients.WindowOpener, defaults Defaults, m *metrics.Metrics, log logger.Logger) *Handler {
	if service == nil {
		service = MustGetService()
	}
	if log == nil {
		log = logger.Global()
	}
	if defaults.URL == "" {
		defaults.URL = "./"
	}
	return &Handler{
		service:  service,
		opener:   opener,
		defaults: defaults,
		metrics:  m,
		log:      log.Module("push"),
	}
}

// HandlePush displays the notification described by data. A push without
// data is ignored and returns nil, nil.
func (h *Handler) HandlePush(ctx context.Context, data []byte) (*Notification, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		h.metrics.RecordPush(PushIgnored)
		h.log.Debug("push without data ignored")
		return nil, nil
	}
	payload, err := ParsePushPayload(data)
	if err != nil {
		h.metrics.RecordPush(PushInvalid)
		return nil, err
	}
	h.log.Info("push received",
		logger.String("title", payload.Title),
		logger.String("url", payload.URL))

	n, err := h.service.Show(ctx, firstNonEmpty(payload.Title, h.defaults.Title), Options{
		Body:  firstNonEmpty(payload.Body, h.defaults.Body),
		Icon:  h.defaults.Icon,
		Badge: h.defaults.Badge,
		Data:  firstNonEmpty(payload.URL, h.defaults.URL),
	})
	if err != nil {
		h.metrics.RecordPush(PushInvalid)
		return nil, err
	}
	h.metrics.RecordPush(PushShown)
	return n, nil
}

// HandleClick closes the notification and opens a window at its URL. The
// opened target is returned.
func (h *Handler) HandleClick(_ context.Context, id string) (string, error) {
	n, err := h.service.Get(id)
	if err != nil {
		return "", err
	}
	h.service.Close(id)
	h.metrics.RecordNotification(ActionClicked)

	target := firstNonEmpty(n.Data, "./")
	if h.opener != nil {
		if _, err := h.opener.OpenWindow(target); err != nil {
			return "", errors.New(err).
				Component("notification").
				Category(errors.CategoryValidation).
				Context("target", target).
				Build()
		}
	}
	h.log.Info("notification clicked", logger.String("id", id), logger.String("target", target))
	return target, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
