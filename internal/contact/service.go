// Package contact turns contact form submissions into queued emails.
package contact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/sarus-health/mailqueue/internal/pkg/ctxlog"
)

// Enqueuer appends items to the mail queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, in mailqueue.EnqueueInput) (*domain.QueueItem, error)
}

// Processor runs a delivery pass.
type Processor interface {
	Process(ctx context.Context) (mailqueue.Result, error)
}

// Config contains contact form settings.
type Config struct {
	SiteName        string
	AdminRecipients []string
	AdminLocale     Locale
	DefaultLocale   Locale
}

// Submission is a validated contact form.
type Submission struct {
	Name    string
	Email   string
	Phone   string
	Company string
	Message string
	Locale  Locale
}

// Service enqueues one notification per admin recipient and one confirmation
// for the visitor.
type Service struct {
	queue    Enqueuer
	renderer *Renderer
	config   Config
	trigger  Processor
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewService creates a contact service.
func NewService(queue Enqueuer, renderer *Renderer, config Config) *Service {
	if config.AdminLocale == "" {
		config.AdminLocale = LocaleTR
	}
	if config.DefaultLocale == "" {
		config.DefaultLocale = LocaleTR
	}
	return &Service{
		queue:    queue,
		renderer: renderer,
		config:   config,
		now:      time.Now,
	}
}

// WithTrigger starts a delivery pass in the background after each accepted
// submission.
func (s *Service) WithTrigger(p Processor) *Service {
	s.trigger = p
	return s
}

// DefaultLocale returns the locale used when none can be negotiated.
func (s *Service) DefaultLocale() Locale {
	return s.config.DefaultLocale
}

// Submit renders and enqueues the emails of sub. It returns the ids of the
// enqueued items; on error the items enqueued so far stay queued.
func (s *Service) Submit(ctx context.Context, sub Submission) ([]string, error) {
	if sub.Locale == "" {
		sub.Locale = s.config.DefaultLocale
	}

	data := TemplateData{
		SiteName:    s.config.SiteName,
		Name:        sub.Name,
		Email:       sub.Email,
		Phone:       sub.Phone,
		Company:     sub.Company,
		Message:     sub.Message,
		SubmittedAt: s.now(),
	}
	metadata := &domain.SenderMetadata{
		Name:  sub.Name,
		Email: sub.Email,
		Phone: sub.Phone,
	}

	admin, err := s.renderer.Render(KindAdmin, s.config.AdminLocale, data)
	if err != nil {
		return nil, fmt.Errorf("render admin notification: %w", err)
	}
	visitor, err := s.renderer.Render(KindVisitor, sub.Locale, data)
	if err != nil {
		return nil, fmt.Errorf("render visitor confirmation: %w", err)
	}

	ids := make([]string, 0, len(s.config.AdminRecipients)+1)
	enqueue := func(recipient string, r Rendered) error {
		item, err := s.queue.Enqueue(ctx, mailqueue.EnqueueInput{
			Recipient:      recipient,
			Subject:        r.Subject,
			HTMLBody:       r.HTMLBody,
			TextBody:       r.TextBody,
			SenderMetadata: metadata,
		})
		if err != nil {
			return fmt.Errorf("enqueue for %s: %w", recipient, err)
		}
		ids = append(ids, item.ID)
		return nil
	}

	for _, recipient := range s.config.AdminRecipients {
		if err := enqueue(recipient, admin); err != nil {
			return ids, err
		}
	}
	if err := enqueue(sub.Email, visitor); err != nil {
		return ids, err
	}

	ctxlog.FromContext(ctx).Info("contact submission enqueued",
		slog.Int("items", len(ids)),
		slog.String("locale", string(sub.Locale)),
	)

	s.kick(ctx)
	return ids, nil
}

func (s *Service) kick(ctx context.Context) {
	if s.trigger == nil {
		return
	}

	ctx = ctxlog.With(context.WithoutCancel(ctx), "trigger", "contact_submission")
	logger := ctxlog.FromContext(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.trigger.Process(ctx)
		if err != nil {
			if !errors.Is(err, mailqueue.ErrProcessingDisabled) {
				logger.Error("processing after contact submission failed", "error", err)
			}
			return
		}
		logger.Debug("processing after contact submission",
			"processed", res.Processed,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
		)
	}()
}

// Wait blocks until background passes started by Submit have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
