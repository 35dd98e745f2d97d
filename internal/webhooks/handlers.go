package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler serves /webhooks: operators register alert endpoints here in
// addition to the ones named in configuration.
type Handler struct {
	store       Store
	validateURL func(ctx context.Context, rawURL string) error
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// WithURLValidator runs fn on every new endpoint URL after the scheme and
// host checks pass.
func (h *Handler) WithURLValidator(fn func(ctx context.Context, rawURL string) error) *Handler {
	h.validateURL = fn
	return h
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/webhooks")
	g.POST("", h.CreateWebhook)
	g.GET("", h.ListWebhooks)
	g.GET("/:webhookId", h.GetWebhook)
	g.DELETE("/:webhookId", h.DeleteWebhook)
}

type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// WebhookView is a subscription as the API shows it. The secret is never
// included.
type WebhookView struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

func viewOf(sub *Subscription) WebhookView {
	return WebhookView{
		ID:                  sub.ID,
		URL:                 sub.URL,
		Events:              sub.Events,
		Active:              sub.Active,
		CreatedAt:           sub.CreatedAt,
		LastSuccess:         sub.LastSuccess,
		LastError:           sub.LastError,
		ConsecutiveFailures: sub.ConsecutiveFailures,
	}
}

// CreateWebhookResponse carries the signing secret. It is the only
// response that does.
type CreateWebhookResponse struct {
	Webhook WebhookView `json:"webhook"`
	Secret  string      `json:"secret"`
	Signing SigningInfo `json:"signing"`
}

type SigningInfo struct {
	Header    string `json:"header"`
	Algorithm string `json:"algorithm"`
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// CreateWebhook handles POST /webhooks. An empty event list subscribes to
// every event.
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	req.URL = strings.TrimSpace(req.URL)
	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		abort(c, http.StatusBadRequest, "invalid_url", "URL must be an absolute http(s) URL")
		return
	}
	if h.validateURL != nil {
		if err := h.validateURL(c.Request.Context(), req.URL); err != nil {
			abort(c, http.StatusBadRequest, "invalid_url", err.Error())
			return
		}
	}

	events, bad := parseEvents(req.Events)
	if bad != "" {
		abort(c, http.StatusBadRequest, "invalid_event", "Unknown event type: "+bad)
		return
	}

	sub := &Subscription{
		ID:        "wh_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		URL:       req.URL,
		Secret:    newSecret(),
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		abort(c, http.StatusInternalServerError, "create_failed", "Failed to create webhook")
		return
	}

	c.JSON(http.StatusCreated, CreateWebhookResponse{
		Webhook: viewOf(sub),
		Secret:  sub.Secret,
		Signing: SigningInfo{Header: HeaderSignature, Algorithm: "sha256=HMAC-SHA256(timestamp + \".\" + body, secret)"},
	})
}

// parseEvents validates names and drops duplicates. It returns the first
// unknown name, if any.
func parseEvents(names []string) ([]EventType, string) {
	if len(names) == 0 {
		return slices.Clone(AllEvents), ""
	}
	out := make([]EventType, 0, len(names))
	for _, name := range names {
		t := EventType(name)
		if !t.Valid() {
			return nil, name
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out, ""
}

// ListWebhooks handles GET /webhooks.
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, "list_failed", "Failed to list webhooks")
		return
	}
	views := make([]WebhookView, len(subs))
	for i, sub := range subs {
		views[i] = viewOf(sub)
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": views})
}

// GetWebhook handles GET /webhooks/:webhookId.
func (h *Handler) GetWebhook(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookId"))
	switch {
	case errors.Is(err, ErrNotFound):
		abort(c, http.StatusNotFound, "not_found", "Webhook not found")
	case err != nil:
		abort(c, http.StatusInternalServerError, "get_failed", "Failed to load webhook")
	default:
		c.JSON(http.StatusOK, gin.H{"webhook": viewOf(sub)})
	}
}

// DeleteWebhook handles DELETE /webhooks/:webhookId.
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("webhookId"))
	switch {
	case errors.Is(err, ErrNotFound):
		abort(c, http.StatusNotFound, "not_found", "Webhook not found")
	case err != nil:
		abort(c, http.StatusInternalServerError, "delete_failed", "Failed to delete webhook")
	default:
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

func newSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
