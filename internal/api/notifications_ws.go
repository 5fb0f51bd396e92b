package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/tphakala/offlinecache/internal/logger"
	"github.com/tphakala/offlinecache/internal/notification"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMsgSize = 512
)

var notificationUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Reject cross-site upgrades; non-browser clients send no Origin.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// StreamNotifications upgrades to a WebSocket and sends every notification
// update as a JSON message, starting with the currently displayed ones.
func (s *Server) StreamNotifications(c echo.Context) error {
	conn, err := notificationUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade notification websocket", logger.Error(err))
		return nil
	}
	defer func() { _ = conn.Close() }()

	updates := s.notifications.Subscribe()
	defer s.notifications.Unsubscribe(updates)

	write := func(msgType int, v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if v == nil {
			return conn.WriteMessage(msgType, nil)
		}
		return conn.WriteJSON(v)
	}

	for _, n := range s.notifications.List() {
		if err := write(websocket.TextMessage, notification.Update{Action: notification.ActionShown, Notification: n}); err != nil {
			return nil
		}
	}

	// The read loop only processes control frames and notices disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(wsMaxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return nil
			}
			if err := write(websocket.TextMessage, u); err != nil {
				return nil
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-closed:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}
