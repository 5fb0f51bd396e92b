package api

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/tphakala/offlinecache/internal/clients"
	"github.com/tphakala/offlinecache/internal/lifecycle"
	"github.com/tphakala/offlinecache/internal/logger"
	"github.com/tphakala/offlinecache/internal/network"
)

// handleFetch dispatches the incoming request as a fetch event. A request the
// worker leaves unanswered goes to the network; an answer without a response
// is a 504.
func (s *Server) handleFetch(c echo.Context) error {
	r := c.Request()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}
	if len(body) > maxProxyBody {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
	}

	target := s.targetURL(r)
	dest := network.DestinationFromHeader(r.Header)
	clientID := s.identify(c, target, dest)

	req := &network.Request{
		URL:         target,
		Method:      r.Method,
		Header:      upstreamHeader(r),
		Destination: dest,
		Body:        body,
	}

	ev := lifecycle.NewFetchEvent(req, clientID)
	if err := s.dispatcher.Dispatch(r.Context(), ev); err != nil {
		return s.errorJSON(c, err)
	}

	resp, responded := ev.Response()
	if !responded {
		resp, err = s.fetcher.Fetch(r.Context(), req)
		if err != nil {
			s.log.Debug("network fetch failed", logger.String("url", target.String()), logger.Error(err))
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
		}
	}
	if resp == nil {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "offline and not cached"})
	}
	return writeResponse(c, resp)
}

// targetURL returns the URL the request is for. Absolute-form requests from
// clients using the server as a forward proxy keep their URL; origin-form
// requests are resolved against the scope origin.
func (s *Server) targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}
	return &url.URL{
		Scheme:   s.scope.Scheme,
		Host:     s.scope.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
}

// identify returns the client ID from the client cookie, issuing a new
// client and cookie when the cookie is missing or malformed.
func (s *Server) identify(c echo.Context, target *url.URL, dest network.Destination) string {
	id := ""
	if ck, err := c.Cookie(clients.CookieName); err == nil {
		if _, err := uuid.Parse(ck.Value); err == nil {
			id = ck.Value
		}
	}

	navigation := dest == network.DestinationDocument
	page := c.Request().Referer()
	if navigation {
		page = target.String()
	}

	client, created := s.clients.Touch(id, page, navigation)
	if created || id == "" {
		c.SetCookie(&http.Cookie{
			Name:     clients.CookieName,
			Value:    client.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return client.ID
}

// upstreamHeader copies the request headers without hop-by-hop headers and
// without the client cookie.
func upstreamHeader(r *http.Request) http.Header {
	h := r.Header.Clone()
	network.StripHopHeaders(h)
	h.Del("Cookie")
	var kept []string
	for _, ck := range r.Cookies() {
		if ck.Name != clients.CookieName {
			kept = append(kept, ck.String())
		}
	}
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
	return h
}

func writeResponse(c echo.Context, resp *network.Response) error {
	body, err := resp.Body()
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "response body unavailable"})
	}
	defer func() { _ = body.Close() }()

	h := c.Response().Header()
	for k, values := range resp.Header {
		for _, v := range values {
			h.Add(k, v)
		}
	}
	network.StripHopHeaders(h)
	h.Del("Content-Length")
	if size := resp.Size(); size > 0 {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
	}
	c.Response().WriteHeader(resp.Status)
	if c.Request().Method == http.MethodHead {
		return nil
	}
	_, err = io.Copy(c.Response(), body)
	return err
}
