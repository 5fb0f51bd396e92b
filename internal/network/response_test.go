package network

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_BodyConsumedOnce(t *testing.T) {
	t.Parallel()

	resp := NewResponse(http.StatusOK, nil, []byte("parts"))
	assert.False(t, resp.BodyUsed())

	data, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "parts", string(data))
	assert.True(t, resp.BodyUsed())

	_, err = resp.Body()
	require.ErrorIs(t, err, ErrBodyUsed)
	_, err = resp.Bytes()
	require.ErrorIs(t, err, ErrBodyUsed)
}

func TestResponse_CloneKeepsBothReadable(t *testing.T) {
	t.Parallel()

	resp := NewResponse(http.StatusOK, http.Header{"Content-Type": {"text/html"}}, []byte("<html>"))
	resp.URL = "https://parts.example.com/"

	clone, err := resp.Clone()
	require.NoError(t, err)

	assert.False(t, resp.BodyUsed(), "cloning must not consume the original")
	assert.Equal(t, resp.Status, clone.Status)
	assert.Equal(t, resp.URL, clone.URL)
	assert.Equal(t, "text/html", clone.Header.Get("Content-Type"))

	clone.Header.Set("X-Cache", "stored")
	assert.Empty(t, resp.Header.Get("X-Cache"), "headers must be independent")

	a, err := resp.Bytes()
	require.NoError(t, err)
	b, err := clone.Bytes()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestResponse_CloneAfterConsumption(t *testing.T) {
	t.Parallel()

	resp := NewResponse(http.StatusOK, nil, []byte("x"))
	_, err := resp.Bytes()
	require.NoError(t, err)

	_, err = resp.Clone()
	require.ErrorIs(t, err, ErrBodyUsed)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
func (failingReader) Close() error             { return nil }

func TestResponse_CloneReadFailure(t *testing.T) {
	t.Parallel()

	resp := NewStreamResponse(http.StatusOK, nil, failingReader{})
	_, err := resp.Clone()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, resp.BodyUsed())
}

func TestResponse_OK(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		typ    ResponseType
		want   bool
	}{
		{"200 basic", 200, ResponseTypeBasic, true},
		{"204 cors", 204, ResponseTypeCORS, true},
		{"404 basic", 404, ResponseTypeBasic, false},
		{"200 opaque", 200, ResponseTypeOpaque, false},
		{"302 basic", 302, ResponseTypeBasic, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewResponse(tt.status, nil, nil)
			r.Type = tt.typ
			assert.Equal(t, tt.want, r.OK())
		})
	}
}

func TestResponse_Size(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(5), NewResponse(http.StatusOK, nil, []byte("hello")).Size())

	stream := NewStreamResponse(http.StatusOK, nil, io.NopCloser(strings.NewReader("streamed")))
	assert.Equal(t, int64(-1), stream.Size())

	clone, err := stream.Clone()
	require.NoError(t, err)
	assert.Equal(t, int64(8), stream.Size())
	assert.Equal(t, int64(8), clone.Size())
}
