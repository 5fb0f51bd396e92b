// Package notification displays push notifications, tracks them until they
// are closed or expire, and forwards them to external push services.
package notification

import (
	"time"

	"github.com/google/uuid"
	"github.com/tphakala/offlinecache/internal/errors"
)

// ErrNotificationNotFound is returned for unknown or expired notification IDs.
var ErrNotificationNotFound = errors.NewStd("notification not found")

// Notification is a displayed notification.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Icon      string    `json:"icon,omitempty"`
	Badge     string    `json:"badge,omitempty"`
	Data      string    `json:"data,omitempty"` // URL opened on click
	Tag       string    `json:"tag,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Options are the display options of Service.Show.
type Options struct {
	Body  string
	Icon  string
	Badge string
	Data  string
	Tag   string
}

// NewNotification creates a notification with a fresh ID.
func NewNotification(title string, opts Options) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      opts.Body,
		Icon:      opts.Icon,
		Badge:     opts.Badge,
		Data:      opts.Data,
		Tag:       opts.Tag,
		CreatedAt: time.Now(),
	}
}

// Update actions delivered to subscribers.
const (
	ActionShown   = "shown"
	ActionClosed  = "closed"
	ActionClicked = "clicked"
)

// Update is a change to the set of displayed notifications.
type Update struct {
	Action       string        `json:"action"`
	Notification *Notification `json:"notification"`
}
