package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/agent"
	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/health"
	"github.com/Kocoro-lab/lectern/internal/retrieval"
	"github.com/Kocoro-lab/lectern/internal/session"
	"github.com/Kocoro-lab/lectern/internal/store"
	"github.com/Kocoro-lab/lectern/internal/streaming"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// readJSON decodes the request body into dst. An empty body leaves dst at
// its zero value so endpoints with all-optional fields accept bare POSTs.
func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return apperr.Wrap(apperr.Validation, err, "invalid request body")
	}
	return nil
}

// mapError translates an error into the status code and safe body the
// client sees. Detail stays in logs.
func mapError(err error) (int, errorResponse) {
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionExpired) {
		return http.StatusNotFound, errorResponse{Error: err.Error(), Kind: apperr.NotFound.String()}
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large", Kind: apperr.Validation.String()}
	}

	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.RateLimited:
		status = http.StatusTooManyRequests
	case apperr.UpstreamTransient, apperr.UpstreamPermanent:
		status = http.StatusBadGateway
	case apperr.Resource:
		status = http.StatusServiceUnavailable
	}

	msg := "request failed"
	var e *apperr.Error
	if errors.As(err, &e) && e.Msg != "" {
		msg = e.Msg
	}
	return status, errorResponse{Error: msg, Kind: kind.String()}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.Is(err, apperr.Cancelled) && r.Context().Err() != nil {
		// The client is gone; there is nobody left to answer.
		s.logger.Debug("request cancelled",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path))
		return
	}

	status, body := mapError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("kind", body.Kind),
			zap.Error(err))
	}
	writeJSON(w, status, body)
}

// pagination parses limit/offset query parameters with bounds checking.
func pagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int, err error) {
	limit = defaultLimit
	q := r.URL.Query()
	if l := q.Get("limit"); l != "" {
		n, perr := strconv.Atoi(l)
		if perr != nil || n < 1 || n > maxLimit {
			return 0, 0, apperr.New(apperr.Validation, "limit must be between 1 and %d", maxLimit)
		}
		limit = n
	}
	if o := q.Get("offset"); o != "" {
		n, perr := strconv.Atoi(o)
		if perr != nil || n < 0 {
			return 0, 0, apperr.New(apperr.Validation, "offset must be non-negative")
		}
		offset = n
	}
	return limit, offset, nil
}

type createSessionRequest struct {
	UserID   string                 `json:"user_id"`
	Metadata map[string]interface{} `json:"metadata"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Create(r.Context(), req.UserID, req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{ID: sess.ID})
}

type sessionMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionResponse struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id,omitempty"`
	Messages     []sessionMessage       `json:"messages"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	TotalTokens  int                    `json:"total_tokens"`
	TotalCostUSD float64                `json:"total_cost_usd"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs := make([]sessionMessage, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		msgs = append(msgs, sessionMessage{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		ID:           sess.ID,
		UserID:       sess.UserID,
		Messages:     msgs,
		Metadata:     sess.Metadata,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
		TotalTokens:  sess.TotalTokens,
		TotalCostUSD: sess.TotalCostUSD,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatRequest struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	Message    string `json:"message"`
	SearchType string `json:"search_type"`
}

type chatResponse struct {
	Response  string               `json:"response"`
	SessionID string               `json:"session_id"`
	Citations []streaming.Citation `json:"citations"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.chat.Chat(r.Context(), agent.Request{
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Message:    req.Message,
		SearchType: req.SearchType,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	citations := res.Citations
	if citations == nil {
		citations = []streaming.Citation{}
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Response:  res.Response,
		SessionID: res.SessionID,
		Citations: citations,
	})
}

type searchFilters struct {
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
}

type searchRequest struct {
	Query   string         `json:"query"`
	K       int            `json:"k"`
	Filters *searchFilters `json:"filters"`
}

type searchResponse struct {
	Results []store.SearchResult `json:"results"`
	Debug   retrieval.Debug      `json:"debug"`
}

const defaultSearchK = 10

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	mode, err := retrieval.ParseMode(r.PathValue("mode"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req searchRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	k := req.K
	if k <= 0 {
		k = defaultSearchK
	}

	var filters *store.Filters
	if req.Filters != nil && (req.Filters.DocumentID != "" || req.Filters.Source != "") {
		filters = &store.Filters{Source: req.Filters.Source}
		if req.Filters.DocumentID != "" {
			id, perr := uuid.Parse(req.Filters.DocumentID)
			if perr != nil {
				s.writeError(w, r, apperr.New(apperr.Validation, "invalid document_id filter"))
				return
			}
			filters.DocumentID = &id
		}
	}

	results, debug, err := s.search.RetrieveFiltered(r.Context(), req.Query, mode, k, filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results, Debug: debug})
}

type documentsResponse struct {
	Documents []store.Document `json:"documents"`
	Limit     int              `json:"limit"`
	Offset    int              `json:"offset"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r, 20, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	docs, err := s.docs.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, documentsResponse{Documents: docs, Limit: limit, Offset: offset})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.Validation, "invalid document id"))
		return
	}
	doc, err := s.docs.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type healthResponse struct {
	Status     string                        `json:"status"`
	Message    string                        `json:"message,omitempty"`
	Components map[string]health.CheckResult `json:"components"`
	Summary    health.Summary                `json:"summary"`
	Timestamp  time.Time                     `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	d := s.health.Check(r.Context())
	status := http.StatusOK
	if d.Overall.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{
		Status:     d.Overall.Status.String(),
		Message:    d.Overall.Message,
		Components: d.Components,
		Summary:    d.Summary,
		Timestamp:  d.Timestamp,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.health.IsReady(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// handleLive answers for the process itself: if this handler runs, the
// process is up. Component failures belong to readiness, not liveness.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"live": true})
}
