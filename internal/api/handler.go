package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/metrics"
	"github.com/tripbell/tripbell/internal/notify"
	"github.com/tripbell/tripbell/internal/push"
	"github.com/tripbell/tripbell/internal/registry"
)

// Registrar is the slice of the registry the API needs.
type Registrar interface {
	Register(ctx context.Context, userID string, addr registry.Address, deviceLabel string) (uuid.UUID, error)
	RemoveForUser(ctx context.Context, userID string) error
}

// Notifier triggers a notification and reports the push outcome.
type Notifier interface {
	NotifySync(ctx context.Context, userIDs []string, n notify.Notification) (*push.Report, error)
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger         *zap.Logger
	registrar      Registrar
	notifier       Notifier
	vapidPublicKey string
}

func NewHandler(logger *zap.Logger, registrar Registrar, notifier Notifier, vapidPublicKey string) *Handler {
	return &Handler{
		logger:         logger,
		registrar:      registrar,
		notifier:       notifier,
		vapidPublicKey: vapidPublicKey,
	}
}

type webPushRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	DeviceLabel string `json:"device_label"`
}

// RegisterWebPush handles POST /v1/push/webpush
func (h *Handler) RegisterWebPush(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return
	}

	var req webPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"endpoint, keys.p256dh, and keys.auth are required")
		return
	}

	addr := registry.WebPushAddress(req.Endpoint, req.Keys.P256dh, req.Keys.Auth)
	h.register(w, r, userID, addr, req.DeviceLabel)
}

type oneSignalRequest struct {
	ExternalID  string `json:"external_id"`
	DeviceLabel string `json:"device_label"`
}

// RegisterOneSignal handles POST /v1/push/onesignal
func (h *Handler) RegisterOneSignal(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return
	}

	var req oneSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"external_id is required")
		return
	}

	h.register(w, r, userID, registry.OneSignalAddress(req.ExternalID), req.DeviceLabel)
}

type snsRequest struct {
	EndpointARN string `json:"endpoint_arn"`
	DeviceLabel string `json:"device_label"`
}

// RegisterSNS handles POST /v1/push/sns
func (h *Handler) RegisterSNS(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return
	}

	var req snsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.EndpointARN == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"endpoint_arn is required")
		return
	}

	h.register(w, r, userID, registry.SNSAddress(req.EndpointARN), req.DeviceLabel)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request, userID string, addr registry.Address, deviceLabel string) {
	if _, err := h.registrar.Register(r.Context(), userID, addr, deviceLabel); err != nil {
		h.logger.Error("failed to register device",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("provider", addr.Provider),
		)
		writeError(w, http.StatusInternalServerError, "registration_error", "Failed to register device", "")
		return
	}

	metrics.RecordRegistration(addr.Provider)
	w.WriteHeader(http.StatusNoContent)
}

// Unregister handles DELETE /v1/push
func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return
	}

	if err := h.registrar.RemoveForUser(r.Context(), userID); err != nil {
		h.logger.Error("failed to remove registrations",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		writeError(w, http.StatusInternalServerError, "registration_error", "Failed to remove registrations", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VAPIDKey handles GET /v1/push/vapid-key
func (h *Handler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeError(w, http.StatusNotFound, "not_configured", "Web push is not configured", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"public_key": h.vapidPublicKey,
	})
}

type notifyRequest struct {
	UserIDs []string          `json:"user_ids"`
	Event   string            `json:"event"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}

// Notify handles POST /v1/notify, the trigger for other tripbell services.
// The response carries the push dispatch report.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.UserIDs) == 0 || req.Event == "" || req.Title == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"user_ids, event, title, and body are required")
		return
	}

	report, err := h.notifier.NotifySync(r.Context(), req.UserIDs, notify.Notification{
		Event: req.Event,
		Title: req.Title,
		Body:  req.Body,
		Data:  req.Data,
	})
	if err != nil {
		h.logger.Error("failed to dispatch notification",
			zap.Error(err),
			zap.String("event", req.Event),
			zap.Int("users", len(req.UserIDs)),
		)
		writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch notification", "")
		return
	}

	h.logger.Info("notification triggered",
		zap.String("event", req.Event),
		zap.Int("users", len(req.UserIDs)),
		zap.Int("delivered", report.Delivered()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(report)
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
