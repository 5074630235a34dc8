package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/auth"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/realtime"
)

// ListBell handles GET /v1/notifications/bell?take=N for the caller.
func (h *Handler) ListBell(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	take := defaultTake
	if s := r.URL.Query().Get("take"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			take = min(n, maxTake)
		}
	}

	items, err := h.store.ListInbox(r.Context(), userID, take)
	if err != nil {
		h.logger.Error("failed to list bell inbox", zap.Error(err), zap.Int64("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}
	if items == nil {
		items = []db.BellInboxItem{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"take":  take,
		"count": len(items),
	})
}

// UnreadCount handles GET /v1/notifications/bell/unread-count.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	n, err := h.store.UnreadCount(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to count unread", zap.Error(err), zap.Int64("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count unread notifications", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// MarkRead handles POST /v1/notifications/bell/{inboxId}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	inboxID, err := strconv.ParseInt(chi.URLParam(r, "inboxId"), 10, 64)
	if err != nil || inboxID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid inbox ID", "ID must be a positive integer")
		return
	}

	err = h.store.MarkRead(r.Context(), userID, inboxID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to mark read", zap.Error(err), zap.Int64("inbox_id", inboxID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notification read", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead handles POST /v1/notifications/bell/read-all.
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	n, err := h.store.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to mark all read", zap.Error(err), zap.Int64("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notifications read", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// Stream handles GET /v1/notifications/stream as Server-Sent Events.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	if h.registry == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Realtime stream disabled", "")
		return
	}

	// The server write timeout would otherwise cut the stream.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	conn := h.registry.AddConnection(userID)
	defer h.registry.RemoveConnection(userID, conn)

	h.logger.Debug("sse client connected", zap.Int64("user_id", userID))

	if err := realtime.StreamSSE(r.Context(), w, conn); err != nil {
		h.logger.Debug("sse stream ended", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// WebSocket handles GET /v1/notifications/ws.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	if h.registry == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Realtime stream disabled", "")
		return
	}

	realtime.ServeWebSocket(w, r, h.registry, userID, h.logger)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return 0, false
	}
	return userID, true
}
