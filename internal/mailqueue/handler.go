package mailqueue

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/pkg/ctxlog"
	"github.com/sarus-health/mailqueue/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "queue item not found"},
	{Error: ErrInvalidItem, Status: http.StatusBadRequest},
	{Error: ErrInvalidStatus, Status: http.StatusBadRequest, Message: "status must be one of pending, failed, sent"},
	{Error: ErrProcessingDisabled, Status: http.StatusServiceUnavailable, Message: "queue processing is disabled"},
}

// Handler handles HTTP requests for queue administration.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new queue administration handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers queue administration routes (require operator role).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/mail-queue", func(r chi.Router) {
		r.Get("/", h.ListItems)
		r.Post("/", h.EnqueueItem)
		r.Get("/stats", h.GetStats)
		r.Post("/process", h.ProcessQueue)
		r.Get("/{id}", h.GetItem)
		r.Delete("/{id}", h.RemoveItem)
	})
}

// AttachmentRequest is a base64-encoded attachment in an enqueue request.
type AttachmentRequest struct {
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"content_type" validate:"required"`
	Content     []byte `json:"content" validate:"required"`
}

// SenderMetadataRequest describes who triggered the send.
type SenderMetadataRequest struct {
	Name  string `json:"name" validate:"max=200"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"max=50"`
}

// EnqueueRequest represents request body for enqueueing an email.
type EnqueueRequest struct {
	Recipient      string                 `json:"recipient" validate:"required,email"`
	Subject        string                 `json:"subject" validate:"required,max=998"`
	HTMLBody       string                 `json:"html_body" validate:"required_without=TextBody"`
	TextBody       string                 `json:"text_body" validate:"required_without=HTMLBody"`
	Attachments    []AttachmentRequest    `json:"attachments" validate:"dive"`
	SenderMetadata *SenderMetadataRequest `json:"sender_metadata"`
}

// ListItems handles GET /admin/mail-queue.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// GetItem handles GET /admin/mail-queue/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// EnqueueItem handles POST /admin/mail-queue.
func (h *Handler) EnqueueItem(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := httputil.DecodeJSON(w, r, &req, httputil.DefaultMaxBodyBytes); err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	in := EnqueueInput{
		Recipient: req.Recipient,
		Subject:   req.Subject,
		HTMLBody:  req.HTMLBody,
		TextBody:  req.TextBody,
	}
	for _, a := range req.Attachments {
		in.Attachments = append(in.Attachments, domain.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}
	if req.SenderMetadata != nil {
		in.SenderMetadata = &domain.SenderMetadata{
			Name:  req.SenderMetadata.Name,
			Email: req.SenderMetadata.Email,
			Phone: req.SenderMetadata.Phone,
		}
	}

	item, err := h.service.Enqueue(r.Context(), in)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, item)
}

// ProcessQueue handles POST /admin/mail-queue/process.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	// A pass started by an operator runs to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())

	res, err := h.service.Process(ctx)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	ctxlog.FromContext(r.Context()).Info("manual processing pass",
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)

	httputil.Success(w, http.StatusOK, res)
}

// RemoveItem handles DELETE /admin/mail-queue/{id}.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetStats handles GET /admin/mail-queue/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, h.service.Stats(r.Context()))
}
