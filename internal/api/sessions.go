package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/tutorloop/internal/domain"
	"github.com/ashureev/tutorloop/internal/identity"
	"github.com/ashureev/tutorloop/internal/navigator"
)

type createSessionRequest struct {
	TopicID string `json:"topic_id"`
}

// SessionView is the JSON shape of a session.
type SessionView struct {
	ID              string           `json:"id"`
	TopicID         string           `json:"topic_id"`
	TopicTitle      string           `json:"topic_title,omitempty"`
	Position        domain.Position  `json:"position"`
	MomentTitle     string           `json:"moment_title,omitempty"`
	ActivityTitle   string           `json:"activity_title,omitempty"`
	Question        string           `json:"question,omitempty"`
	Percentage      int              `json:"percentage"`
	TotalActivities int              `json:"total_activities"`
	Active          bool             `json:"active"`
	Messages        []domain.Message `json:"messages,omitempty"`
}

// CreateSession handles POST /api/sessions. It returns the learner's active
// session for the topic, creating it at the first activity if needed.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	learnerID := identity.LearnerIDFromContext(r.Context())
	if learnerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.TopicID = strings.TrimSpace(req.TopicID)
	if req.TopicID == "" {
		Error(w, http.StatusBadRequest, "topic_id is required")
		return
	}

	bundle, err := h.topics.Load(r.Context(), req.TopicID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	first, err := navigator.Locate(bundle.Topic, domain.Position{})
	if err != nil {
		h.writeError(w, fmt.Errorf("locate first activity: %w", err))
		return
	}

	sess, err := h.repo.StartSession(r.Context(), learnerID, req.TopicID, first.Position())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("Session started", "learner_id", learnerID, "session_id", sess.ID, "topic_id", req.TopicID)

	snap, err := h.repo.GetSession(r.Context(), sess.ID, 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusCreated, h.view(snap, bundle))
}

// GetSession handles GET /api/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	recent := 20
	if v := r.URL.Query().Get("messages"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 200 {
			Error(w, http.StatusBadRequest, "messages must be between 0 and 200")
			return
		}
		recent = n
	}

	snap, ok := h.ownedSession(w, r, recent)
	if !ok {
		return
	}
	bundle, err := h.topics.Load(r.Context(), snap.Session.TopicID)
	if err != nil {
		h.logger.Warn("Topic unavailable for session view", "topic_id", snap.Session.TopicID, "error", err)
		bundle = nil
	}
	JSON(w, http.StatusOK, h.view(snap, bundle))
}

// EndSession handles POST /api/sessions/{id}/end.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.ownedSession(w, r, 0)
	if !ok {
		return
	}
	if err := h.repo.EndSession(r.Context(), snap.Session.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("Session ended", "session_id", snap.Session.ID, "learner_id", snap.Session.LearnerID)
	JSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// ownedSession loads the session named in the URL and checks that it belongs
// to the caller. Sessions of other learners are reported as missing.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request, recent int) (*domain.SessionSnapshot, bool) {
	learnerID := identity.LearnerIDFromContext(r.Context())
	if learnerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	snap, err := h.repo.GetSession(r.Context(), chi.URLParam(r, "id"), recent)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	if snap.Session.LearnerID != learnerID {
		h.writeError(w, domain.ErrNotFound)
		return nil, false
	}
	return snap, true
}

func (h *Handler) view(snap *domain.SessionSnapshot, bundle *domain.TopicBundle) SessionView {
	v := SessionView{
		ID:       snap.Session.ID,
		TopicID:  snap.Session.TopicID,
		Position: snap.Session.Position,
		Active:   snap.Session.IsActive(),
		Messages: snap.RecentMessages,
	}
	if snap.Enrollment != nil {
		v.Percentage = snap.Enrollment.Percentage
	}
	if bundle == nil || bundle.Topic == nil {
		return v
	}
	v.TopicTitle = bundle.Topic.Title
	v.TotalActivities = navigator.CountActivities(bundle.Topic)
	if loc, err := navigator.Locate(bundle.Topic, snap.Session.Position); err == nil {
		v.MomentTitle = loc.Moment.Title
		v.ActivityTitle = loc.Activity.Title
		v.Question = loc.Activity.Verification.Question
	}
	return v
}
