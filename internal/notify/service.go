// Package notify creates email and bell notifications.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// ErrNotFound is returned when the recipient email or the template is
// missing. Callers should not retry.
var ErrNotFound = errors.New("not found")

// Repository is the store surface used by Service.
type Repository interface {
	ActiveTemplate(ctx context.Context, channel db.Channel, key string) (*db.Template, error)
	CreateEmailMessage(ctx context.Context, in db.EmailEnqueue) (int64, error)
	CreateBellMessage(ctx context.Context, in db.BellCreate) (*db.BellInboxItem, error)
}

// BellDispatcher pushes a freshly written bell item to live connections.
type BellDispatcher interface {
	Dispatch(ctx context.Context, item *db.BellInboxItem) error
}

// Config controls optional enqueue behavior.
type Config struct {
	// QueueDispatch writes an outbox row with every email so a broker
	// consumer can dispatch it.
	QueueDispatch bool
}

// Service is the enqueue entry point for both channels.
type Service struct {
	repo   Repository
	bell   BellDispatcher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// Bell pushes run on one drainer goroutine at a time so they reach
	// connections in CreateBell call order.
	pushMu   sync.Mutex
	queue    []pushJob
	draining bool
	pushes   sync.WaitGroup
}

type pushJob struct {
	ctx  context.Context
	item *db.BellInboxItem
}

func NewService(repo Repository, bell BellDispatcher, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		bell:   bell,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// EnqueueEmail records a pending email for the newest active template with
// templateKey and returns the new message id.
func (s *Service) EnqueueEmail(ctx context.Context, templateKey string, categoryID int, userID int64, email string, data json.RawMessage) (int64, error) {
	if strings.TrimSpace(email) == "" {
		return 0, fmt.Errorf("%w: recipient email for user %d", ErrNotFound, userID)
	}

	tmpl, err := s.repo.ActiveTemplate(ctx, db.ChannelEmail, templateKey)
	if errors.Is(err, db.ErrNotFound) {
		return 0, fmt.Errorf("%w: active email template %q", ErrNotFound, templateKey)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve template: %w", err)
	}

	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	messageID, err := s.repo.CreateEmailMessage(ctx, db.EmailEnqueue{
		TemplateID:   tmpl.ID,
		TemplateKey:  templateKey,
		CategoryID:   categoryID,
		UserID:       userID,
		Email:        email,
		TargetKey:    "E:" + strings.ToLower(email),
		TemplateData: data,
		ScheduledAt:  s.now().UTC(),
		WithOutbox:   s.cfg.QueueDispatch,
	})
	if err != nil {
		return 0, fmt.Errorf("create email message: %w", err)
	}

	metrics.RecordEnqueued(db.ChannelEmail.String())
	s.logger.Info("email enqueued",
		zap.Int64("message_id", messageID),
		zap.String("template_key", templateKey),
		zap.Int64("template_id", tmpl.ID),
		zap.Int64("user_id", userID),
	)

	return messageID, nil
}

type bellData struct {
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	DeepLinkURL *string `json:"deepLinkUrl"`
}

// CreateBell durably records a delivered bell notification and its inbox
// item, then pushes it to the user's live connections in the background.
// A failed push is logged; the inbox row stays authoritative.
func (s *Service) CreateBell(ctx context.Context, userID int64, title, body string, deepLinkURL *string) (int64, error) {
	data, err := json.Marshal(bellData{Title: title, Body: body, DeepLinkURL: deepLinkURL})
	if err != nil {
		return 0, fmt.Errorf("marshal bell data: %w", err)
	}

	item, err := s.repo.CreateBellMessage(ctx, db.BellCreate{
		UserID:       userID,
		Title:        title,
		Body:         body,
		DeepLinkURL:  deepLinkURL,
		TargetKey:    "U:" + strconv.FormatInt(userID, 10),
		TemplateData: data,
		Now:          s.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("create bell message: %w", err)
	}

	metrics.RecordEnqueued(db.ChannelBell.String())

	s.push(context.WithoutCancel(ctx), item)

	return item.ID, nil
}

// push queues item behind earlier pushes and starts a drainer if none is
// running.
func (s *Service) push(ctx context.Context, item *db.BellInboxItem) {
	s.pushes.Add(1)

	s.pushMu.Lock()
	s.queue = append(s.queue, pushJob{ctx: ctx, item: item})
	start := !s.draining
	s.draining = true
	s.pushMu.Unlock()

	if start {
		go s.drain()
	}
}

func (s *Service) drain() {
	for {
		s.pushMu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.pushMu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue[0] = pushJob{}
		s.queue = s.queue[1:]
		s.pushMu.Unlock()

		if err := s.bell.Dispatch(job.ctx, job.item); err != nil {
			metrics.RecordPushFailure()
			s.logger.Warn("bell push failed",
				zap.Int64("inbox_id", job.item.ID),
				zap.Int64("user_id", job.item.UserID),
				zap.Error(err),
			)
		}
		s.pushes.Done()
	}
}

// Wait blocks until every outstanding bell push has finished.
func (s *Service) Wait() {
	s.pushes.Wait()
}
