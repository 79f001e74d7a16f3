package contact

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sarus-health/mailqueue/internal/pkg/ctxlog"
	"github.com/sarus-health/mailqueue/internal/pkg/httputil"
	"github.com/sarus-health/mailqueue/internal/pkg/metrics"
)

const maxBodyBytes = 64 << 10

// RateLimit limits submissions per client IP. A zero PerMinute disables it.
type RateLimit struct {
	PerMinute float64
	Burst     int
}

// Handler handles the public contact endpoint.
type Handler struct {
	service   *Service
	validator *validator.Validate
	limiter   *ipLimiter
}

// NewHandler creates a new contact handler.
func NewHandler(service *Service, limit RateLimit) *Handler {
	h := &Handler{
		service:   service,
		validator: validator.New(),
	}
	if limit.PerMinute > 0 {
		h.limiter = newIPLimiter(limit.PerMinute, limit.Burst)
	}
	return h
}

// RegisterRoutes registers public contact routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/contact", h.Submit)
}

// ContactRequest represents the contact form body.
type ContactRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"required,email,max=254"`
	Phone   string `json:"phone" validate:"max=50"`
	Company string `json:"company" validate:"max=200"`
	Message string `json:"message" validate:"required,max=5000"`
	Locale  string `json:"locale" validate:"omitempty,oneof=tr en"`
}

// Submit handles POST /contact.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(httputil.ClientIP(r)) {
		metrics.ContactSubmissions.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", "60")
		httputil.Error(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req ContactRequest
	if err := httputil.DecodeJSON(w, r, &req, maxBodyBytes); err != nil {
		metrics.ContactSubmissions.WithLabelValues("invalid").Inc()
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.Message = strings.TrimSpace(req.Message)

	if err := h.validator.Struct(req); err != nil {
		metrics.ContactSubmissions.WithLabelValues("invalid").Inc()
		httputil.ValidationError(w, err)
		return
	}

	sub := Submission{
		Name:    req.Name,
		Email:   req.Email,
		Phone:   strings.TrimSpace(req.Phone),
		Company: strings.TrimSpace(req.Company),
		Message: req.Message,
		Locale:  Negotiate(req.Locale, r.Header.Get("Accept-Language"), h.service.DefaultLocale()),
	}

	if _, err := h.service.Submit(r.Context(), sub); err != nil {
		metrics.ContactSubmissions.WithLabelValues("error").Inc()
		ctxlog.FromContext(r.Context()).Error("contact submission failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	metrics.ContactSubmissions.WithLabelValues("accepted").Inc()
	httputil.Success(w, http.StatusAccepted, map[string]string{"message": "received"})
}
