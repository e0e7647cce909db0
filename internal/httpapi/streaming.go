package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/agent"
	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/retrieval"
	"github.com/Kocoro-lab/lectern/internal/streaming"
)

const (
	streamBuffer      = 256
	heartbeatInterval = 15 * time.Second
)

// handleChatStream runs a chat turn and streams its events as SSE. The
// stream carries token, citation, end and error events and closes after
// the terminal one. A client that reconnects with Last-Event-ID and an
// empty message replays the tail of its previous turn instead of starting
// a new one; disconnecting mid-turn cancels the turn.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := retrieval.ParseMode(req.SearchType); err != nil {
		s.writeError(w, r, err)
		return
	}

	lastID := lastEventID(r)
	attach := strings.TrimSpace(req.Message) == "" && lastID > 0
	if strings.TrimSpace(req.Message) == "" && !attach {
		s.writeError(w, r, apperr.New(apperr.Validation, "message is required"))
		return
	}
	if attach && req.SessionID == "" {
		s.writeError(w, r, apperr.New(apperr.Validation, "session_id is required to resume a stream"))
		return
	}

	sid, err := s.chat.ResolveSession(r.Context(), req.SessionID, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, apperr.New(apperr.Internal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before the turn starts so no token can slip past.
	ch := s.hub.Subscribe(sid, streamBuffer)
	defer s.hub.Unsubscribe(sid, ch)

	fmt.Fprintf(w, ": connected to session %s\n\n", sid)
	flusher.Flush()

	if lastID > 0 {
		for _, ev := range s.hub.ReplaySince(sid, lastID) {
			writeSSE(w, ev)
			if attach && (ev.Type == streaming.TypeEnd || ev.Type == streaming.TypeError) {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}

	if !attach {
		go func() {
			_, _ = s.chat.Chat(r.Context(), agent.Request{
				SessionID:  sid,
				UserID:     req.UserID,
				Message:    req.Message,
				SearchType: req.SearchType,
				Streaming:  true,
			})
		}()
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("stream client disconnected", zap.String("session_id", sid))
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == streaming.TypeEnd || ev.Type == streaming.TypeError {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}

// lastEventID reads the replay cursor from the Last-Event-ID header, or
// from the last_event_id query parameter for clients that cannot set it.
func lastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
