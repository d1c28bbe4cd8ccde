package web

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"simroute/internal/bridge"
	"simroute/internal/metrics"
	"simroute/internal/route"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

func (s *server) upgrader() *websocket.Upgrader {
	origins := s.d.Options.CORSOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range origins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleStream pushes route diffs over a websocket. The watermark lives on
// the connection; a new route id restarts the stream from the first point.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	// The client never sends data; reading keeps pong handling alive and
	// notices when it goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	push := time.NewTicker(s.d.Options.PushInterval)
	defer push.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var (
		id    string
		known int
	)
	send := func() bool {
		d, next, changed := nextFrame(s.d.Handle, id, known)
		if !changed {
			return true
		}
		b, err := json.Marshal(d)
		if err != nil {
			return false
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return false
		}
		id, known = d.ID, next
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-s.d.Done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-push.C:
			if !send() {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// nextFrame computes the next diff for a client that has seen known points
// of route id. changed is false when there is nothing to send.
func nextFrame(h *bridge.Handle, id string, known int) (d route.Diff, next int, changed bool) {
	d = h.DiffSince(known)
	if d.ID != id {
		if known > 0 {
			d = h.DiffSince(0)
		}
		return d, len(d.Points), true
	}
	if len(d.Points) == 0 {
		return d, known, false
	}
	return d, known + len(d.Points), true
}
