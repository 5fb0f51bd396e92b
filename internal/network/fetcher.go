package network

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tphakala/offlinecache/internal/errors"
)

// ErrNetwork marks transport failures: offline, DNS, refused connections.
var ErrNetwork = errors.NewStd("network request failed")

// Fetcher performs a network fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

const maxRedirects = 10

// hopHeaders are connection-level headers that are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopHeaders removes connection-level headers from h in place.
func StripHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// HTTPFetcher fetches over net/http and classifies responses against origin.
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPFetcher creates a fetcher. A nil client uses http.DefaultClient.
func NewHTTPFetcher(client *http.Client, origin *url.URL) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, origin: origin}
}

// Fetch issues req. Non-2xx statuses are responses, not errors; only
// transport failures return an error wrapping ErrNetwork.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	var httpReq *http.Request
	var err error
	if body != nil {
		httpReq, err = http.NewRequestWithContext(ctx, req.method(), req.URL.String(), body)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, req.method(), req.URL.String(), http.NoBody)
	}
	if err != nil {
		return nil, errors.New(err).
			Component("network").
			Category(errors.CategoryValidation).
			Context("url", req.URL.String()).
			Build()
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
		StripHopHeaders(httpReq.Header)
	}

	// A per-call copy records the last redirect target without touching the
	// shared client.
	var redirectedTo *url.URL
	client := *f.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if f.client.CheckRedirect != nil {
			if err := f.client.CheckRedirect(next, via); err != nil {
				return err
			}
		} else if len(via) >= maxRedirects {
			return errors.NewStd("stopped after 10 redirects")
		}
		redirectedTo = next.URL
		return nil
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errors.Newf("%w: %w", ErrNetwork, err).
			Component("network").
			Category(errors.CategoryNetwork).
			Context("url", req.URL.String()).
			Context("method", req.method()).
			Build()
	}

	header := resp.Header.Clone()
	StripHopHeaders(header)

	out := NewStreamResponse(resp.StatusCode, header, resp.Body)
	out.StatusText = http.StatusText(resp.StatusCode)

	final := req.URL
	if redirectedTo != nil {
		final = redirectedTo
		out.Redirected = true
	}
	out.URL = final.String()
	out.Type = f.classify(final, header)

	return out, nil
}

func (f *HTTPFetcher) classify(final *url.URL, header http.Header) ResponseType {
	if f.origin == nil || SameOrigin(final, f.origin) {
		return ResponseTypeBasic
	}
	allow := header.Get("Access-Control-Allow-Origin")
	if allow == "*" || strings.EqualFold(allow, Origin(f.origin)) {
		return ResponseTypeCORS
	}
	return ResponseTypeOpaque
}

// Origin returns scheme://host[:port] of u.
func Origin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// SameOrigin compares the origins of a and b.
func SameOrigin(a, b *url.URL) bool {
	return Origin(a) == Origin(b)
}
