package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/civicworks/roadwatch/internal/db"
	"github.com/civicworks/roadwatch/internal/model"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	ErrInvalidTicket      = errors.New("invalid ticket number")
	ErrInvalidRole        = errors.New("invalid sender role")
	ErrEmptyMessage       = errors.New("message needs a body or at least one attachment")
	ErrAttachmentCap      = errors.New("attachment limit for this ticket reached")
	ErrOperationTimeout   = errors.New("operation timeout exceeded")
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 30 * time.Second

	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second
)

// NewMessage is the caller-supplied part of an append. MessageID may be empty,
// in which case the store assigns one; a caller-supplied id makes resends of
// the same message idempotent.
type NewMessage struct {
	MessageID   string
	SenderRole  model.Role
	SenderName  string
	Body        string
	Attachments []string
}

// MessageStore is the durable, append-only log of chat messages per ticket.
type MessageStore interface {
	// Append stores one message. The store assigns the creation timestamp,
	// which alone determines the order ListByTicket returns.
	Append(ctx context.Context, ticketNumber string, in NewMessage) (*model.ChatMessage, error)

	// ListByTicket returns the full history, ascending by creation time.
	ListByTicket(ctx context.Context, ticketNumber string) ([]model.ChatMessage, error)

	// CountAttachments returns the cumulative attachment count for a ticket.
	CountAttachments(ctx context.Context, ticketNumber string) (int, error)
}

type messageStore struct {
	messages *db.Repository[model.ChatMessage]
	logger   *zap.Logger

	// for idempotency - track in-flight appends by message id
	inFlightOps     map[string]struct{}
	inFlightOpsLock sync.Mutex
}

func NewMessageStore(messages *db.Repository[model.ChatMessage], logger *zap.Logger) MessageStore {
	return &messageStore{
		messages:    messages,
		logger:      logger,
		inFlightOps: make(map[string]struct{}),
	}
}

func (s *messageStore) Append(ctx context.Context, ticketNumber string, in NewMessage) (*model.ChatMessage, error) {
	ticketNumber = model.NormalizeTicketNumber(ticketNumber)
	if err := s.validate(ticketNumber, in); err != nil {
		return nil, err
	}

	if in.MessageID == "" {
		in.MessageID = uuid.New().String()
	}

	key := ticketNumber + ":" + in.MessageID
	if !s.tryAcquireInFlight(key) {
		return nil, fmt.Errorf("duplicate append in progress: %s", key)
	}
	defer s.releaseInFlight(key)

	ctx, cancel := s.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	// Redelivered sends carry the same message id; return the stored copy.
	filter := db.NewFilter().Eq("ticket_number", ticketNumber).Eq("message_id", in.MessageID).Build()
	existing, err := s.messages.FindOne(ctx, filter)
	if err == nil {
		s.logger.Debug("message already stored",
			zap.String("message_id", in.MessageID),
			zap.String("ticket", ticketNumber),
		)
		return existing, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("existence check failed: %w", err)
	}

	// Soft cap: checked against the current total at append time. Concurrent
	// appends can transiently exceed it; that is accepted behavior.
	if len(in.Attachments) > 0 {
		total, err := s.CountAttachments(ctx, ticketNumber)
		if err != nil {
			return nil, err
		}
		if total+len(in.Attachments) > model.MaxAttachmentsPerTicket {
			return nil, ErrAttachmentCap
		}
	}

	body := in.Body
	if body == "" {
		body = model.AttachmentPlaceholder
	}

	msg := model.ChatMessage{
		MessageID:    in.MessageID,
		TicketNumber: ticketNumber,
		SenderRole:   in.SenderRole,
		SenderName:   in.SenderName,
		Body:         body,
		Attachments:  in.Attachments,
		CreatedAt:    time.Now().UTC(),
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.waitForRetry(ctx, attempt); err != nil {
				return nil, err
			}
		}

		_, err := s.messages.Create(ctx, msg)
		if err == nil {
			s.logger.Info("message appended",
				zap.String("message_id", msg.MessageID),
				zap.String("ticket", ticketNumber),
				zap.String("role", string(msg.SenderRole)),
				zap.Int("attachments", len(msg.Attachments)),
				zap.Int("attempt", attempt+1),
			)
			return &msg, nil
		}

		lastErr = err
		if !s.isRetryableError(err) {
			break
		}

		s.logger.Warn("append attempt failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries),
		)
	}

	s.logger.Error("failed to append message after all retries",
		zap.Error(lastErr),
		zap.String("ticket", ticketNumber),
	)
	return nil, fmt.Errorf("append message failed: %w", lastErr)
}

func (s *messageStore) ListByTicket(ctx context.Context, ticketNumber string) ([]model.ChatMessage, error) {
	ticketNumber = model.NormalizeTicketNumber(ticketNumber)
	if !model.ValidTicketNumber(ticketNumber) {
		return nil, ErrInvalidTicket
	}

	ctx, cancel := s.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("ticket_number", ticketNumber).Build()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.waitForRetry(ctx, attempt); err != nil {
				return nil, err
			}
			s.logger.Warn("retrying history read",
				zap.String("ticket", ticketNumber),
				zap.Int("attempt", attempt+1),
			)
		}

		msgs, err := s.messages.FindAllSorted(ctx, filter, "created_at", false)
		if err == nil {
			s.logger.Debug("history read",
				zap.String("ticket", ticketNumber),
				zap.Int("count", len(msgs)),
			)
			return msgs, nil
		}

		lastErr = err
		if !s.isRetryableError(err) {
			break
		}
	}

	return nil, s.handleReadError(lastErr, ticketNumber)
}

func (s *messageStore) CountAttachments(ctx context.Context, ticketNumber string) (int, error) {
	msgs, err := s.ListByTicket(ctx, ticketNumber)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, m := range msgs {
		total += len(m.Attachments)
	}
	return total, nil
}

// -----------------------------------------------------------------------------
// Private Helper Methods
// -----------------------------------------------------------------------------

func (s *messageStore) validate(ticketNumber string, in NewMessage) error {
	if !model.ValidTicketNumber(ticketNumber) {
		return ErrInvalidTicket
	}
	if !in.SenderRole.Valid() {
		return ErrInvalidRole
	}
	if in.Body == "" && len(in.Attachments) == 0 {
		return ErrEmptyMessage
	}
	return nil
}

func (s *messageStore) tryAcquireInFlight(key string) bool {
	s.inFlightOpsLock.Lock()
	defer s.inFlightOpsLock.Unlock()

	if _, exists := s.inFlightOps[key]; exists {
		return false
	}
	s.inFlightOps[key] = struct{}{}
	return true
}

func (s *messageStore) releaseInFlight(key string) {
	s.inFlightOpsLock.Lock()
	defer s.inFlightOpsLock.Unlock()
	delete(s.inFlightOps, key)
}

func (s *messageStore) ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *messageStore) waitForRetry(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt)) * baseRetryDelay
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (s *messageStore) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}

	return false
}

func (s *messageStore) handleReadError(err error, ticketNumber string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Error("read timeout", zap.String("ticket", ticketNumber))
		return ErrOperationTimeout
	}

	if errors.Is(err, context.Canceled) {
		s.logger.Debug("read cancelled", zap.String("ticket", ticketNumber))
		return err
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}

	s.logger.Error("read failed", zap.Error(err), zap.String("ticket", ticketNumber))
	return fmt.Errorf("list messages failed: %w", err)
}
