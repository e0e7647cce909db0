package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/agent"
)

const (
	wsReadLimit    = 1 << 16
	wsPongWait     = 60 * time.Second
	wsPingInterval = 20 * time.Second
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin policy is enforced at the proxy
}

type wsChatFrame struct {
	Message    string `json:"message"`
	SearchType string `json:"search_type"`
}

// handleWS mirrors the chat event stream over a WebSocket. Events arrive
// as JSON frames identical to the SSE data payloads; the client may send
// {"message", "search_type"} frames to run turns on the subscribed
// session. last_event_id replays the backlog like the SSE endpoint.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sid, err := s.chat.ResolveSession(r.Context(), r.URL.Query().Get("session_id"), r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := r.URL.Query().Get("user_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.hub.Subscribe(sid, streamBuffer)
	defer s.hub.Unsubscribe(sid, ch)

	if lastID := lastEventID(r); lastID > 0 {
		for _, ev := range s.hub.ReplaySince(sid, lastID) {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader pump: chat frames start turns, everything else only feeds
	// the read deadline. A read error ends the connection.
	go func() {
		defer cancel()
		for {
			var frame wsChatFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			if strings.TrimSpace(frame.Message) == "" {
				continue
			}
			go func(f wsChatFrame) {
				_, _ = s.chat.Chat(ctx, agent.Request{
					SessionID:  sid,
					UserID:     userID,
					Message:    f.Message,
					SearchType: f.SearchType,
					Streaming:  true,
				})
			}(frame)
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
