package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"futures-core/internal/events"
)

const (
	wsBuffer       = 100
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsAuthorized accepts a session token or the dashboard password as query
// parameters, since browsers cannot set headers on websocket upgrades.
func (s *Server) wsAuthorized(c *gin.Context) bool {
	if token := c.Query("token"); token != "" {
		_, err := parseToken(token, s.JWTSecret)
		return err == nil
	}
	pass := c.Query("pass")
	if pass == "" {
		pass = c.GetHeader("X-Dash-Pass")
	}
	return s.checkDashPassword(pass)
}

// websocket streams every dashboard topic wrapped in an Envelope.
func (s *Server) websocket(c *gin.Context) {
	if !s.wsAuthorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "error": "missing or wrong credentials"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	out, unsub := s.Bus.SubscribeTopics(events.Streamed, wsBuffer)
	defer unsub()

	// Reader detects client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case env, ok := <-out:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
