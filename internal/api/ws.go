package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/internal/server"
)

// serveWs upgrades the connection first and authenticates after, so a bad
// credential can be reported with the reserved close code instead of a plain
// 401. Clients use the code to distinguish "must re-authenticate" from a
// network error.
func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	identity, err := s.auth.AuthenticateRequest(r)
	if err != nil {
		s.log.Printf("handshake authentication failed: %v", err)
		closeMsg := websocket.FormatCloseMessage(server.CloseUnauthenticated, "unauthenticated")
		conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	client := server.NewClient(identity, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
