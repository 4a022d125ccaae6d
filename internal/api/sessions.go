package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/cat-engine/internal/domain"
	"github.com/ashureev/cat-engine/internal/identity"
	"github.com/ashureev/cat-engine/internal/results"
	"github.com/ashureev/cat-engine/internal/service"
	"github.com/go-chi/chi/v5"
)

// SessionHandler handles diagnostic session endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session, item and identity routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/items", h.ListItems)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Get("/", h.ListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Get("/next", h.NextItem)
				r.Post("/responses", h.SubmitResponse)
				r.Post("/terminate", h.Terminate)
				r.Get("/results", h.Results)
				r.Get("/results.pdf", h.ResultsPDF)
			})
		})
	})
}

// sessionView is the status of a session as returned to clients.
type sessionView struct {
	ID                string                  `json:"id"`
	Status            domain.Status           `json:"status"`
	TerminationReason string                  `json:"termination_reason,omitempty"`
	CurrentAbility    float64                 `json:"current_ability"`
	AbilitySE         float64                 `json:"ability_se"`
	QuestionsAnswered int                     `json:"questions_answered"`
	CorrectAnswers    int                     `json:"correct_answers"`
	PendingItemID     string                  `json:"pending_item_id,omitempty"`
	Config            domain.TestConfig       `json:"config"`
	Responses         []domain.ResponseRecord `json:"responses,omitempty"`
	StartedAt         time.Time               `json:"started_at"`
	CompletedAt       *time.Time              `json:"completed_at,omitempty"`
}

func newSessionView(s *domain.Session, withHistory bool) sessionView {
	v := sessionView{
		ID:                s.ID,
		Status:            s.Status,
		TerminationReason: s.TerminationReason,
		CurrentAbility:    s.CurrentAbility,
		AbilitySE:         s.AbilitySE,
		QuestionsAnswered: s.QuestionsAnswered,
		CorrectAnswers:    s.CorrectAnswers,
		Config:            s.Config,
		StartedAt:         s.StartedAt,
		CompletedAt:       s.CompletedAt,
	}
	if id, ok := s.PendingItemID(); ok {
		v.PendingItemID = id
	}
	if withHistory {
		v.Responses = s.Responses
	}
	return v
}

// GetMe returns the current user's information.
func (h *SessionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		ErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		ErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.Username,
		"last_seen_at": user.LastSeenAt,
	})
}

// GetConfig returns the default test configuration and the domain taxonomy.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"defaults": h.svc.Defaults(),
		"domains":  h.svc.Domains(),
	})
}

// ListItems returns calibrated items. With ?theta= they are ranked by information at that ability.
func (h *SessionHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	domains := r.URL.Query()["domain"]

	raw := r.URL.Query().Get("theta")
	if raw == "" {
		JSON(w, http.StatusOK, map[string]interface{}{"items": h.svc.Items(domains...)})
		return
	}
	theta, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		ErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "theta must be a number")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"items": h.svc.RankedItems(theta, domains...)})
}

// StartSession creates a session for the caller. The body may override the default configuration.
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var overrides service.ConfigOverrides
	if err := decodeJSON(w, r, &overrides); err != nil {
		ErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	sess, err := h.svc.StartSession(r.Context(), identity.UserIDFromContext(r.Context()), overrides)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	slog.Info("Session created",
		"session_id", sess.ID,
		"username", identity.UsernameFromContext(r.Context()),
		"ip", identity.IPFromRequest(r))
	JSON(w, http.StatusCreated, newSessionView(sess, false))
}

// ListSessions returns the caller's sessions, newest first.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := h.svc.ListSessions(r.Context(), identity.UserIDFromContext(r.Context()), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, newSessionView(s, false))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// GetSession returns the session status and its response history.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), identity.UserIDFromContext(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, newSessionView(sess, true))
}

// NextItem returns the item to present, or {"complete": true} once the session has finished.
func (h *SessionHandler) NextItem(w http.ResponseWriter, r *http.Request) {
	next, err := h.svc.NextItem(r.Context(), identity.UserIDFromContext(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"complete": next.Complete,
		"item":     next.Item,
		"session":  newSessionView(next.Session, false),
	})
}

type responseRequest struct {
	ItemID    string `json:"item_id"`
	IsCorrect *bool  `json:"is_correct"`
}

// SubmitResponse records the answer to the pending item.
func (h *SessionHandler) SubmitResponse(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if err := decodeJSON(w, r, &req); err != nil || req.ItemID == "" || req.IsCorrect == nil {
		ErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "item_id and is_correct are required")
		return
	}

	rec, sess, err := h.svc.SubmitResponse(r.Context(), identity.UserIDFromContext(r.Context()), chi.URLParam(r, "sessionID"), req.ItemID, *req.IsCorrect)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"response": rec,
		"session":  newSessionView(sess, false),
	})
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

// Terminate ends the session early.
func (h *SessionHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	sess, err := h.svc.Terminate(r.Context(), identity.UserIDFromContext(r.Context()), chi.URLParam(r, "sessionID"), req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, newSessionView(sess, false))
}

// Results returns the readiness report of a finished session.
func (h *SessionHandler) Results(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Results(r.Context(), identity.UserIDFromContext(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

// ResultsPDF renders the readiness report as a PDF download.
func (h *SessionHandler) ResultsPDF(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	report, err := h.svc.Results(r.Context(), identity.UserIDFromContext(r.Context()), sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := results.WritePDF(&buf, report); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="report-`+sessionID+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
