package network

import (
	"context"
	"net/url"
	"strings"
)

// RewriteFetcher forwards requests for one origin to another, e.g. from the
// public scope origin to the application server behind the proxy. Requests
// for other origins pass through unchanged. Response URLs are mapped back so
// callers only ever see the public origin.
type RewriteFetcher struct {
	next Fetcher
	from *url.URL
	to   *url.URL
}

// NewRewriteFetcher creates a fetcher that sends requests for from's origin
// to to's origin through next.
func NewRewriteFetcher(next Fetcher, from, to *url.URL) *RewriteFetcher {
	return &RewriteFetcher{next: next, from: from, to: to}
}

// Fetch implements Fetcher.
func (f *RewriteFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req.URL == nil || !SameOrigin(req.URL, f.from) {
		return f.next.Fetch(ctx, req)
	}

	out := *req
	target := *req.URL
	target.Scheme = f.to.Scheme
	target.Host = f.to.Host
	out.URL = &target
	if req.Header != nil {
		out.Header = req.Header.Clone()
		out.Header.Del("Host")
	}

	resp, err := f.next.Fetch(ctx, &out)
	if err != nil {
		return nil, err
	}
	if prefix := Origin(f.to); strings.HasPrefix(strings.ToLower(resp.URL), prefix) {
		resp.URL = Origin(f.from) + resp.URL[len(prefix):]
	}
	return resp, nil
}
