// Package cachestorage provides named, versioned response caches keyed by
// request. A Storage holds one Cache per generation plus the registration
// record naming the active generation.
package cachestorage

import (
	"context"
	"net/http"

	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/network"
)

var (
	// ErrCacheMiss is returned by Match when no entry exists for the request.
	ErrCacheMiss = errors.NewStd("cache miss")
	// ErrMethodNotCacheable is returned when storing a non-GET request.
	ErrMethodNotCacheable = errors.NewStd("only GET requests can be cached")
	// ErrCacheDeleted is returned by operations on a cache whose generation was deleted.
	ErrCacheDeleted = errors.NewStd("cache generation was deleted")
)

// Storage is the set of cache generations.
type Storage interface {
	// Open returns the cache named name, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Lookup returns the cache named name without creating it. ok is
	// false when no such generation exists.
	Lookup(ctx context.Context, name string) (c Cache, ok bool, err error)
	// Names lists generation names in creation order.
	Names(ctx context.Context) ([]string, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes a generation and its entries. It reports whether the
	// generation existed.
	Delete(ctx context.Context, name string) (bool, error)

	// ActiveVersion returns the generation recorded as active, or "".
	ActiveVersion(ctx context.Context) (string, error)
	SetActiveVersion(ctx context.Context, version string) error
}

// Cache is a single generation.
type Cache interface {
	Name() string
	// Match returns a fresh, unconsumed copy of the stored response.
	Match(ctx context.Context, req *network.Request) (*network.Response, error)
	// Put consumes resp's body and stores it under req's key.
	Put(ctx context.Context, req *network.Request, resp *network.Response) error
	// PutAll stores every entry or none.
	PutAll(ctx context.Context, entries []Entry) error
	Keys(ctx context.Context) ([]EntryInfo, error)
	Delete(ctx context.Context, req *network.Request) (bool, error)
}

// Entry pairs a request with the response to store for it.
type Entry struct {
	Request  *network.Request
	Response *network.Response
}

// EntryInfo describes a stored entry without its body.
type EntryInfo struct {
	Method string `json:"method"`
	URL    string `json:"url"`
	Status int    `json:"status"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
}

// record is a stored response snapshot.
type record struct {
	method     string
	url        string
	status     int
	statusText string
	header     http.Header
	respType   network.ResponseType
	respURL    string
	redirected bool
	body       []byte
}

// newRecord validates req and consumes resp into a snapshot.
func newRecord(req *network.Request, resp *network.Response) (*record, error) {
	if !req.IsGet() {
		return nil, errors.New(ErrMethodNotCacheable).
			Component("cachestorage").
			Category(errors.CategoryValidation).
			Context("method", req.NormalizedMethod()).
			Context("url", req.KeyURL()).
			Build()
	}
	body, err := resp.Bytes()
	if err != nil {
		return nil, errors.New(err).
			Component("cachestorage").
			Category(errors.CategoryStorage).
			Context("operation", "read_response").
			Context("url", req.KeyURL()).
			Build()
	}
	return &record{
		method:     req.NormalizedMethod(),
		url:        req.KeyURL(),
		status:     resp.Status,
		statusText: resp.StatusText,
		header:     resp.Header.Clone(),
		respType:   resp.Type,
		respURL:    resp.URL,
		redirected: resp.Redirected,
		body:       body,
	}, nil
}

func (r *record) response() *network.Response {
	body := make([]byte, len(r.body))
	copy(body, r.body)
	resp := network.NewResponse(r.status, r.header.Clone(), body)
	resp.StatusText = r.statusText
	resp.Type = r.respType
	resp.URL = r.respURL
	resp.Redirected = r.redirected
	return resp
}

func (r *record) info() EntryInfo {
	return EntryInfo{
		Method: r.method,
		URL:    r.url,
		Status: r.status,
		Type:   string(r.respType),
		Size:   int64(len(r.body)),
	}
}

// newRecords converts entries, failing before anything is stored.
func newRecords(entries []Entry) ([]*record, error) {
	records := make([]*record, 0, len(entries))
	for _, e := range entries {
		rec, err := newRecord(e.Request, e.Response)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func cacheMiss(name string, req *network.Request) error {
	return errors.New(ErrCacheMiss).
		Component("cachestorage").
		Category(errors.CategoryNotFound).
		Context("cache", name).
		Context("key", req.Key()).
		Build()
}
