package network

import (
	"bytes"
	"io"
	"net/http"
	"sync"

	"github.com/tphakala/offlinecache/internal/errors"
)

// ResponseType classifies a response the way browsers do.
type ResponseType string

const (
	ResponseTypeBasic  ResponseType = "basic"  // same origin
	ResponseTypeCORS   ResponseType = "cors"   // cross origin, readable
	ResponseTypeOpaque ResponseType = "opaque" // cross origin, not readable by the page
	ResponseTypeError  ResponseType = "error"
)

// ErrBodyUsed is returned when a response body is taken a second time or a
// response is cloned after its body was taken.
var ErrBodyUsed = errors.NewStd("response body already used")

// Response is an upstream or cached response. Its body can be consumed once:
// callers that need the body twice must Clone before consuming either copy.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Type       ResponseType
	URL        string // final URL after redirects
	Redirected bool

	mu   sync.Mutex
	body io.ReadCloser
	size int64 // -1 for streams of unknown length
	used bool
}

// NewResponse creates a response with an in-memory body.
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     header,
		Type:       ResponseTypeBasic,
		body:       io.NopCloser(bytes.NewReader(body)),
		size:       int64(len(body)),
	}
}

// NewStreamResponse wraps a streaming body. The response owns body.
func NewStreamResponse(status int, header http.Header, body io.ReadCloser) *Response {
	r := NewResponse(status, header, nil)
	if body != nil {
		r.body = body
		r.size = -1
	}
	return r
}

// OK reports a 2xx status on a readable response.
func (r *Response) OK() bool {
	return r.Type != ResponseTypeOpaque && r.Type != ResponseTypeError &&
		r.Status >= 200 && r.Status <= 299
}

// Size returns the body length, or -1 while the body is an unread stream.
func (r *Response) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// BodyUsed reports whether the body was taken.
func (r *Response) BodyUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Body hands out the body stream. It succeeds once.
func (r *Response) Body() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	r.used = true
	return r.body, nil
}

// Bytes consumes the body and returns its content.
func (r *Response) Bytes() ([]byte, error) {
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return io.ReadAll(body)
}

// Close releases an unconsumed body.
func (r *Response) Close() error {
	body, err := r.Body()
	if err != nil {
		return nil
	}
	return body.Close()
}

// Clone buffers the body and returns an independent copy. Both r and the
// clone remain unconsumed afterwards.
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}

	data, err := io.ReadAll(r.body)
	_ = r.body.Close()
	if err != nil {
		r.used = true
		return nil, errors.New(err).
			Component("network").
			Category(errors.CategoryNetwork).
			Context("operation", "clone_response").
			Context("url", r.URL).
			Build()
	}
	r.body = io.NopCloser(bytes.NewReader(data))
	r.size = int64(len(data))

	return &Response{
		Status:     r.Status,
		StatusText: r.StatusText,
		Header:     r.Header.Clone(),
		Type:       r.Type,
		URL:        r.URL,
		Redirected: r.Redirected,
		body:       io.NopCloser(bytes.NewReader(data)),
		size:       int64(len(data)),
	}, nil
}
