package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"roomchat/internal/auth"
	"roomchat/internal/database"
	"roomchat/internal/server"
)

func Test_serveWs(t *testing.T) {
	t.Run("valid cookie upgrades and registers the client", func(t *testing.T) {
		db := &database.MockRepository{}
		app := newTestApp(t, db, &stubBridge{})

		srv := httptest.NewServer(http.HandlerFunc(app.serveWs))
		defer srv.Close()

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		header := http.Header{}
		header.Add("Cookie", sessionCookieFor(t, auth.Identity{UserId: 1, Username: "alice"}).String())

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		defer func() {
			if conn != nil {
				conn.Close()
			}
		}()
		assert.NoError(t, err, "expected the dial to succeed")
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode, "expected a protocol upgrade")
	})

	t.Run("missing cookie closes with the reserved code", func(t *testing.T) {
		db := &database.MockRepository{}
		app := newTestApp(t, db, &stubBridge{})

		srv := httptest.NewServer(http.HandlerFunc(app.serveWs))
		defer srv.Close()

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

		// the upgrade itself succeeds so the close code can be delivered
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.NoError(t, err, "expected the upgrade to succeed before the credential check")
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode, "expected a protocol upgrade")
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()

		var closeErr *websocket.CloseError
		if assert.ErrorAs(t, err, &closeErr, "expected a close frame") {
			assert.Equal(t, server.CloseUnauthenticated, closeErr.Code, "expected the unauthenticated close code")
		}
	})

	t.Run("disallowed origin is refused", func(t *testing.T) {
		db := &database.MockRepository{}
		app := newTestApp(t, db, &stubBridge{})

		srv := httptest.NewServer(http.HandlerFunc(app.serveWs))
		defer srv.Close()

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		header := http.Header{}
		header.Add("Origin", "http://evil.example.com")
		header.Add("Cookie", sessionCookieFor(t, auth.Identity{UserId: 1, Username: "alice"}).String())

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		if conn != nil {
			conn.Close()
		}
		assert.Error(t, err, "expected the dial to fail")
		if resp != nil {
			assert.Equal(t, http.StatusForbidden, resp.StatusCode, "expected the origin check to refuse the upgrade")
		}
	})
}
