package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/auth"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/realtime"
)

// Notifier creates notifications.
type Notifier interface {
	EnqueueEmail(ctx context.Context, templateKey string, categoryID int, userID int64, email string, data json.RawMessage) (int64, error)
	CreateBell(ctx context.Context, userID int64, title, body string, deepLinkURL *string) (int64, error)
}

// Store serves the read side of the API.
type Store interface {
	MessageStatus(ctx context.Context, id int64) (*db.MessageStatusView, error)
	ListInbox(ctx context.Context, userID int64, take int) ([]db.BellInboxItem, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
	MarkRead(ctx context.Context, userID, inboxID int64) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
}

// Idempotency caches enqueue results by Idempotency-Key.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, scope, key string) error
}

const (
	defaultTake = 20
	maxTake     = 100
)

// EmailRequest is the body of POST /v1/notifications/email.
type EmailRequest struct {
	TemplateKey string          `json:"templateKey"`
	CategoryID  int             `json:"categoryId"`
	UserID      int64           `json:"userId"`
	Email       string          `json:"email"`
	Data        json.RawMessage `json:"data"`
}

type EmailResponse struct {
	MessageID int64 `json:"messageId"`
}

// BellRequest is the body of POST /v1/notifications/bell.
type BellRequest struct {
	UserID      int64   `json:"userId"`
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	DeepLinkURL *string `json:"deepLinkUrl"`
}

type BellResponse struct {
	InboxID int64 `json:"inboxId"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	notifier    Notifier
	store       Store
	idempotency Idempotency        // nil if Redis not configured
	registry    *realtime.Registry // nil disables the stream endpoints
}

func NewHandler(logger *zap.Logger, notifier Notifier, store Store) *Handler {
	return &Handler{
		logger:   logger,
		notifier: notifier,
		store:    store,
	}
}

// WithIdempotency enables Idempotency-Key handling on email enqueue.
func (h *Handler) WithIdempotency(idem Idempotency) *Handler {
	h.idempotency = idem
	return h
}

// WithRegistry enables the SSE and WebSocket endpoints.
func (h *Handler) WithRegistry(registry *realtime.Registry) *Handler {
	h.registry = registry
	return h
}

// EnqueueEmail handles POST /v1/notifications/email.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) EnqueueEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if strings.TrimSpace(req.TemplateKey) == "" || req.UserID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "templateKey and userId are required")
		return
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid data", "data must be valid JSON")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	scope := callerScope(ctx)
	reserved := false

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, cached.StatusCode, EmailResponse{MessageID: cached.MessageID})
			return
		default:
			reserved = true
		}
	}

	messageID, err := h.notifier.EnqueueEmail(ctx, req.TemplateKey, req.CategoryID, req.UserID, req.Email, req.Data)
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(ctx, scope, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		if errors.Is(err, notify.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Recipient or template not found", err.Error())
			return
		}
		h.logger.Error("failed to enqueue email",
			zap.Error(err),
			zap.String("template_key", req.TemplateKey),
			zap.Int64("user_id", req.UserID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue email", "")
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{MessageID: messageID, StatusCode: http.StatusCreated}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	writeJSON(w, http.StatusCreated, EmailResponse{MessageID: messageID})
}

// CreateBell handles POST /v1/notifications/bell.
func (h *Handler) CreateBell(w http.ResponseWriter, r *http.Request) {
	var req BellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.UserID <= 0 || strings.TrimSpace(req.Title) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "userId and title are required")
		return
	}

	inboxID, err := h.notifier.CreateBell(r.Context(), req.UserID, req.Title, req.Body, req.DeepLinkURL)
	if err != nil {
		h.logger.Error("failed to create bell notification",
			zap.Error(err),
			zap.Int64("user_id", req.UserID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create bell notification", "")
		return
	}

	writeJSON(w, http.StatusCreated, BellResponse{InboxID: inboxID})
}

// GetMessage handles GET /v1/messages/{id}.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a positive integer")
		return
	}

	view, err := h.store.MessageStatus(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get message", zap.Error(err), zap.Int64("message_id", id))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get message", "")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// callerScope namespaces idempotency keys by authenticated caller.
func callerScope(ctx context.Context) string {
	if id, ok := auth.UserID(ctx); ok {
		return "user:" + strconv.FormatInt(id, 10)
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
