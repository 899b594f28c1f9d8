package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/tutorloop/internal/identity"
	"github.com/ashureev/tutorloop/internal/tutor"
)

// maxMessageRunes bounds a single student message.
const maxMessageRunes = 4000

type turnRequest struct {
	Message string `json:"message"`
}

func validateMessage(msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", errors.New("message is required")
	}
	if utf8.RuneCountInString(msg) > maxMessageRunes {
		return "", fmt.Errorf("message exceeds %d characters", maxMessageRunes)
	}
	return msg, nil
}

// StreamTurn handles POST /api/sessions/{id}/turns and streams the turn as
// server-sent events named after the event type.
func (h *Handler) StreamTurn(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.ownedSession(w, r, 0)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(snap.Session.LearnerID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg, err := validateMessage(req.Message)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("Turn request",
		"learner_id", snap.Session.LearnerID,
		"session_id", snap.Session.ID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(msg),
	)

	// Writes from the keepalive ticker and the event loop share the writer.
	var mu sync.Mutex
	stopKeepalive := make(chan struct{})
	defer close(stopKeepalive)
	go func() {
		ticker := time.NewTicker(h.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				_, err := io.WriteString(w, ": ping\n\n")
				if err == nil {
					flusher.Flush()
				}
				mu.Unlock()
				if err != nil {
					return
				}
			case <-stopKeepalive:
				return
			case <-r.Context().Done():
				return
			}
		}
	}()

	ctx := tutor.WithChannel(r.Context(), "sse")
	for ev := range h.turns.StartTurn(ctx, snap.Session.ID, msg) {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("Failed to marshal turn event", "error", err)
			return
		}
		mu.Lock()
		err = writeSSE(w, string(ev.Type), string(data))
		if err == nil {
			flusher.Flush()
		}
		mu.Unlock()
		if err != nil {
			h.logger.Warn("Failed to write SSE event", "session_id", snap.Session.ID, "error", err)
			return
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// wsMessage is a client frame on the turn WebSocket.
type wsMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ServeWebSocket handles GET /ws/sessions/{id}. Each {"type":"turn"} frame runs
// one turn; its events are sent back as JSON text frames. Turns on a
// connection run one at a time.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	learnerID := identity.LearnerIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if _, ok := h.ownedSession(w, r, 0); !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "learner_id", learnerID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "learner_id", learnerID)
		}
	}()
	ws.SetReadLimit(h.cfg.MaxBodyBytes)

	ctx := tutor.WithChannel(r.Context(), "websocket")
	h.logger.Info("Turn WebSocket connected", "learner_id", learnerID, "session_id", sessionID)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "learner_id", learnerID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "learner_id", learnerID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeWS(ctx, ws, map[string]string{"type": "error", "error": "invalid frame"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.writeWS(ctx, ws, map[string]string{"type": "pong"})
		case "turn":
			text, err := validateMessage(msg.Message)
			if err != nil {
				h.writeWS(ctx, ws, map[string]string{"type": "error", "error": err.Error()})
				continue
			}
			if h.limiter != nil && !h.limiter.Allow(learnerID) {
				h.writeWS(ctx, ws, map[string]string{"type": "error", "error": "rate limit exceeded"})
				continue
			}
			for ev := range h.turns.StartTurn(ctx, sessionID, text) {
				if err := h.writeWS(ctx, ws, ev); err != nil {
					return
				}
			}
		default:
			h.writeWS(ctx, ws, map[string]string{"type": "error", "error": "unknown frame type"})
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *Handler) writeWS(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("WebSocket write error", "error", err)
		return err
	}
	return nil
}
