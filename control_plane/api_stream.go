package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// Origin policy is enforced by the CORS and token middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades to WebSocket and registers with the hub.
func (a *API) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &streamClient{conn: conn}
	if !a.hub.Register(client) {
		conn.Close()
		return
	}
	defer a.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	pingTicker := time.NewTicker(wsPingPeriod)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				a.logger.WithError(err).Debug("WebSocket closed")
			}
			break
		}
	}
}
