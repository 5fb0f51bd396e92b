package network

import (
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedFetcher(t *testing.T) *HTTPFetcher {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	origin, err := url.Parse("https://parts.example.com/app/")
	require.NoError(t, err)
	return NewHTTPFetcher(client, origin)
}

func mustRequest(t *testing.T, rawURL string) *Request {
	t.Helper()
	req, err := NewRequest(rawURL, DestinationEmpty)
	require.NoError(t, err)
	return req
}

func TestHTTPFetcher_SameOriginIsBasic(t *testing.T) {
	f := newMockedFetcher(t)
	httpmock.RegisterResponder(http.MethodGet, "https://parts.example.com/app/index.html",
		httpmock.NewStringResponder(http.StatusOK, "<html>"))

	resp, err := f.Fetch(t.Context(), mustRequest(t, "https://parts.example.com/app/index.html"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, ResponseTypeBasic, resp.Type)
	assert.False(t, resp.Redirected)
	assert.Equal(t, "https://parts.example.com/app/index.html", resp.URL)

	body, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "<html>", string(body))
}

func TestHTTPFetcher_CrossOriginClassification(t *testing.T) {
	f := newMockedFetcher(t)

	cors := httpmock.NewStringResponse(http.StatusOK, "react")
	cors.Header.Set("Access-Control-Allow-Origin", "*")
	httpmock.RegisterResponder(http.MethodGet, "https://unpkg.com/react.js", httpmock.ResponderFromResponse(cors))
	httpmock.RegisterResponder(http.MethodGet, "https://cdn.example.net/lib.js",
		httpmock.NewStringResponder(http.StatusOK, "lib"))

	resp, err := f.Fetch(t.Context(), mustRequest(t, "https://unpkg.com/react.js"))
	require.NoError(t, err)
	assert.Equal(t, ResponseTypeCORS, resp.Type)

	resp, err = f.Fetch(t.Context(), mustRequest(t, "https://cdn.example.net/lib.js"))
	require.NoError(t, err)
	assert.Equal(t, ResponseTypeOpaque, resp.Type)
	assert.False(t, resp.OK())
}

func TestHTTPFetcher_Redirected(t *testing.T) {
	f := newMockedFetcher(t)

	redirect := httpmock.NewStringResponse(http.StatusFound, "")
	redirect.Header.Set("Location", "https://parts.example.com/app/login")
	httpmock.RegisterResponder(http.MethodGet, "https://parts.example.com/app/private",
		httpmock.ResponderFromResponse(redirect))
	httpmock.RegisterResponder(http.MethodGet, "https://parts.example.com/app/login",
		httpmock.NewStringResponder(http.StatusOK, "login"))

	resp, err := f.Fetch(t.Context(), mustRequest(t, "https://parts.example.com/app/private"))
	require.NoError(t, err)
	assert.True(t, resp.Redirected)
	assert.Equal(t, "https://parts.example.com/app/login", resp.URL)
	assert.Equal(t, ResponseTypeBasic, resp.Type)
}

func TestHTTPFetcher_ErrorStatusIsResponse(t *testing.T) {
	f := newMockedFetcher(t)
	httpmock.RegisterResponder(http.MethodGet, "https://parts.example.com/app/missing",
		httpmock.NewStringResponder(http.StatusNotFound, "nope"))

	resp, err := f.Fetch(t.Context(), mustRequest(t, "https://parts.example.com/app/missing"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "Not Found", resp.StatusText)
}

func TestHTTPFetcher_TransportFailure(t *testing.T) {
	f := newMockedFetcher(t)
	httpmock.RegisterResponder(http.MethodGet, "https://parts.example.com/app/data.csv",
		httpmock.NewErrorResponder(errors.New("dial tcp: no route to host")))

	_, err := f.Fetch(t.Context(), mustRequest(t, "https://parts.example.com/app/data.csv"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestHTTPFetcher_ForwardsHeadersWithoutHopHeaders(t *testing.T) {
	f := newMockedFetcher(t)

	var seen http.Header
	httpmock.RegisterResponder(http.MethodGet, "https://parts.example.com/app/",
		func(r *http.Request) (*http.Response, error) {
			seen = r.Header.Clone()
			return httpmock.NewStringResponse(http.StatusOK, ""), nil
		})

	req := mustRequest(t, "https://parts.example.com/app/")
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Connection", "keep-alive")

	_, err := f.Fetch(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "text/html", seen.Get("Accept"))
	assert.Empty(t, seen.Get("Connection"))
}
