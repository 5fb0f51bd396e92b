// Package lifecycle delivers worker lifecycle events (install, activate,
// fetch, sync, push, notification click) to registered handlers.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/offlinecache/internal/network"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindSync              Kind = "sync"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
)

// Kinds lists every event kind.
var Kinds = []Kind{KindInstall, KindActivate, KindFetch, KindSync, KindPush, KindNotificationClick}

// Event is a single lifecycle signal. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	Request  *network.Request // fetch
	ClientID string           // fetch

	Tag string // sync

	Data []byte // push payload, nil when the push carried no data

	NotificationID string // notificationclick
	Action         string // notificationclick

	mu        sync.Mutex
	responded bool
	response  *network.Response
	extend    func(fn func(ctx context.Context) error)
}

// NewFetchEvent creates a fetch event for req issued by clientID.
func NewFetchEvent(req *network.Request, clientID string) *Event {
	return &Event{Kind: KindFetch, Request: req, ClientID: clientID}
}

// NewSyncEvent creates a background sync event.
func NewSyncEvent(tag string) *Event {
	return &Event{Kind: KindSync, Tag: tag}
}

// NewPushEvent creates a push event. data may be nil.
func NewPushEvent(data []byte) *Event {
	return &Event{Kind: KindPush, Data: data}
}

// NewNotificationClickEvent creates a click event for a displayed notification.
func NewNotificationClickEvent(id, action string) *Event {
	return &Event{Kind: KindNotificationClick, NotificationID: id, Action: action}
}

// RespondWith records the handler's answer to a fetch. A nil response means
// the fetch was handled but produced no response.
func (e *Event) RespondWith(resp *network.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responded = true
	e.response = resp
}

// Response returns the recorded response and whether RespondWith was called.
// A fetch nobody responded to falls through to default network handling.
func (e *Event) Response() (*network.Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response, e.responded
}

// WaitUntil keeps the dispatcher alive until fn returns. fn runs in its own
// goroutine. Outside a dispatched handler it runs fn synchronously.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.mu.Lock()
	extend := e.extend
	e.mu.Unlock()
	if extend == nil {
		_ = fn(context.Background())
		return
	}
	extend(fn)
}
