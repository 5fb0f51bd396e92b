// Package network models intercepted requests and upstream responses and
// performs network fetches for the offline cache.
package network

import (
	"net/http"
	"net/url"
	"strings"
)

// Destination describes what a request is used for.
type Destination string

const (
	DestinationDocument Destination = "document"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationImage    Destination = "image"
	DestinationFont     Destination = "font"
	DestinationManifest Destination = "manifest"
	DestinationEmpty    Destination = "" // fetch/XHR data requests
)

// Request is an intercepted outgoing request.
type Request struct {
	URL         *url.URL
	Method      string
	Header      http.Header
	Destination Destination
	Body        []byte
}

// NewRequest builds a GET request for rawURL.
func NewRequest(rawURL string, dest Destination) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{
		URL:         u,
		Method:      http.MethodGet,
		Header:      make(http.Header),
		Destination: dest,
	}, nil
}

// Key identifies the request in a cache: method plus URL without fragment.
func (r *Request) Key() string {
	return KeyFor(r.method(), r.URL)
}

// KeyFor builds a cache key for method and u.
func KeyFor(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	stripped := *u
	stripped.Fragment = ""
	stripped.RawFragment = ""
	return strings.ToUpper(method) + " " + stripped.String()
}

// NormalizedMethod returns the upper-case method, GET when unset.
func (r *Request) NormalizedMethod() string {
	return r.method()
}

// KeyURL returns the URL part of the cache key.
func (r *Request) KeyURL() string {
	stripped := *r.URL
	stripped.Fragment = ""
	stripped.RawFragment = ""
	return stripped.String()
}

// IsNavigation reports whether the request loads a full document.
func (r *Request) IsNavigation() bool {
	return r.Destination == DestinationDocument
}

// IsGet reports whether the request uses the GET method.
func (r *Request) IsGet() bool {
	return r.method() == http.MethodGet
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// DestinationFromHeader derives the destination of an incoming HTTP request
// from Sec-Fetch-Dest, falling back to Sec-Fetch-Mode: navigate.
func DestinationFromHeader(h http.Header) Destination {
	switch dest := strings.ToLower(h.Get("Sec-Fetch-Dest")); dest {
	case "", "empty":
		if strings.EqualFold(h.Get("Sec-Fetch-Mode"), "navigate") {
			return DestinationDocument
		}
		return DestinationEmpty
	case "iframe", "frame":
		return DestinationDocument
	default:
		return Destination(dest)
	}
}
