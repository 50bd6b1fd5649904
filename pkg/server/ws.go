package server

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleEvents streams execution events of one device as JSON text frames.
// A client that cannot keep up is disconnected by the broadcaster and gets
// a 1013 close frame.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deps.Inventory.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	// subscribed before the handshake completes so the client sees every
	// event published after it connected
	sub := s.deps.Events.Subscribe(dev.ID)
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] events upgrade for %s failed: %v", dev.ID, err)
		return
	}
	defer conn.Close()

	// the reader only watches for the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				code, reason := websocket.CloseNormalClosure, "server closing"
				if sub.Dropped() {
					code, reason = websocket.CloseTryAgainLater, "subscriber too slow"
				}
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
			return
		}
	}
}

// handleTerminal binds an interactive shell to the websocket. The shell is
// opened before upgrading so busy or unreachable devices get a plain HTTP
// error.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	cols, _ := strconv.Atoi(r.URL.Query().Get("cols"))
	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))

	term, err := s.deps.Bridge.Open(r.Context(), r.PathValue("id"), cols, rows)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] terminal upgrade for %s failed: %v", term.DeviceID(), err)
		term.Close()
		return
	}

	if err := term.Serve(r.Context(), conn); err != nil {
		log.Printf("[TERMINAL %s] relay ended: %v", term.DeviceID(), err)
	}
}
