// Package clients tracks the browser windows served by the worker and which
// cache version controls each of them.
package clients

import (
	"cmp"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CookieName is the cookie carrying a client's ID.
const CookieName = "offlinecache_client"

// maxOpened bounds the history of opened window targets.
const maxOpened = 64

// Client is one open window or tab.
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controller string    `json:"controller,omitempty"` // controlling cache version, "" when uncontrolled
	Focused    bool      `json:"focused"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// WindowOpener opens a new window at a URL on behalf of the worker.
type WindowOpener interface {
	OpenWindow(target string) (*Client, error)
}

// Registry holds known clients. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	// opened records the last maxOpened windows requested by the worker,
	// newest last.
	opened []string
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		now:     time.Now,
	}
}

// NewID returns a fresh client ID.
func NewID() string {
	return uuid.NewString()
}

// Touch records a request from client id at pageURL. An empty id creates a
// new client. Navigations update the client's URL. The client's state after
// the update is returned together with whether it was new.
func (r *Registry) Touch(id, pageURL string, navigation bool) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if id == "" {
		id = NewID()
	}
	c, ok := r.clients[id]
	if !ok {
		c = &Client{ID: id, URL: pageURL, FirstSeen: now}
		r.clients[id] = c
	}
	if navigation && pageURL != "" {
		c.URL = pageURL
	}
	c.LastSeen = now
	return *c, !ok
}

// Get returns the client with id.
func (r *Registry) Get(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// List returns all clients ordered by first contact.
func (r *Registry) List() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b Client) int {
		if c := a.FirstSeen.Compare(b.FirstSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Control makes version the controller of client id if it has none.
func (r *Registry) Control(id, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok && c.Controller == "" {
		c.Controller = version
	}
}

// Claim makes version the controller of every known client and returns how
// many clients changed controller.
func (r *Registry) Claim(version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.clients {
		if c.Controller != version {
			c.Controller = version
			n++
		}
	}
	return n
}

// IsControlled reports whether client id is controlled by some version.
func (r *Registry) IsControlled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return ok && c.Controller != ""
}

// OpenWindow registers a new focused client at target. The host delivers the
// window to the user, for example by redirecting the clicking browser there.
func (r *Registry) OpenWindow(target string) (*Client, error) {
	if _, err := url.Parse(target); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, c := range r.clients {
		c.Focused = false
	}
	c := &Client{ID: NewID(), URL: target, Focused: true, FirstSeen: now, LastSeen: now}
	r.clients[c.ID] = c
	if len(r.opened) == maxOpened {
		r.opened = slices.Delete(r.opened, 0, 1)
	}
	r.opened = append(r.opened, target)
	out := *c
	return &out, nil
}

// Opened returns the targets of the most recent windows opened by the
// worker, oldest first.
func (r *Registry) Opened() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.opened)
}

// Forget removes clients not seen since before cutoff.
func (r *Registry) Forget(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, c := range r.clients {
		if c.LastSeen.Before(cutoff) {
			delete(r.clients, id)
			n++
		}
	}
	return n
}
