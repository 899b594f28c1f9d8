package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AdminTokenHeader carries the administrative token.
const AdminTokenHeader = "X-Admin-Token"

// RefreshTopic handles POST /api/admin/topics/{id}/refresh by dropping the
// cached copy of the topic. Admin routes are disabled when no token is set.
func (h *Handler) RefreshTopic(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AdminToken == "" {
		Error(w, http.StatusNotFound, "not found")
		return
	}
	given := r.Header.Get(AdminTokenHeader)
	if subtle.ConstantTimeCompare([]byte(given), []byte(h.cfg.AdminToken)) != 1 {
		Error(w, http.StatusForbidden, "forbidden")
		return
	}

	topicID := chi.URLParam(r, "id")
	h.topics.Invalidate(r.Context(), topicID)
	h.logger.Info("Topic refreshed by admin", "topic_id", topicID)
	JSON(w, http.StatusOK, map[string]string{"status": "invalidated", "topic_id": topicID})
}
