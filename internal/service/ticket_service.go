package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/civicworks/roadwatch/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrBadTransition  = errors.New("illegal status transition")
	ErrInvalidInput   = errors.New("invalid ticket input")
)

// numberRetries bounds how often Create retries on a generated-number
// collision before giving up.
const numberRetries = 5

type CreateTicketInput struct {
	RequesterName  string
	RequesterEmail string
	RequesterPhone string
	Subject        string
	InitialMessage string
	Priority       model.TicketPriority
}

type ListFilter struct {
	Status   model.TicketStatus
	Priority model.TicketPriority
	Limit    int
	Offset   int
}

// TicketService owns the ticket lifecycle. The ticket number it assigns is
// the routing key for the ticket's chat channel for the life of the
// conversation.
type TicketService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewTicketService(db *gorm.DB, logger *zap.Logger) *TicketService {
	return &TicketService{db: db, logger: logger}
}

func (s *TicketService) Create(ctx context.Context, in CreateTicketInput) (*model.Ticket, error) {
	if in.RequesterName == "" || in.Subject == "" {
		return nil, fmt.Errorf("%w: requester name and subject are required", ErrInvalidInput)
	}
	if in.Priority == "" {
		in.Priority = model.TicketPriorityMedium
	}

	t := model.Ticket{
		RequesterName:  in.RequesterName,
		RequesterEmail: in.RequesterEmail,
		RequesterPhone: in.RequesterPhone,
		Subject:        in.Subject,
		InitialMessage: in.InitialMessage,
		Status:         model.TicketStatusNew,
		Priority:       in.Priority,
	}

	// Numbers are random; the unique index arbitrates collisions.
	var err error
	for attempt := 0; attempt < numberRetries; attempt++ {
		t.Number = model.NewTicketNumber()
		err = s.db.WithContext(ctx).Create(&t).Error
		if err == nil {
			s.logger.Info("ticket created",
				zap.String("number", t.Number),
				zap.String("priority", string(t.Priority)),
			)
			return &t, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("create ticket: %w", err)
		}
	}
	return nil, fmt.Errorf("create ticket: %w", err)
}

func (s *TicketService) GetByNumber(ctx context.Context, number string) (*model.Ticket, error) {
	number = model.NormalizeTicketNumber(number)
	if !model.ValidTicketNumber(number) {
		return nil, ErrTicketNotFound
	}

	var t model.Ticket
	if err := s.db.WithContext(ctx).Where("number = ?", number).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}

// TicketExists implements the hub's ticket resolver.
func (s *TicketService) TicketExists(ctx context.Context, number string) (bool, error) {
	_, err := s.GetByNumber(ctx, number)
	if errors.Is(err, ErrTicketNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *TicketService) List(ctx context.Context, filter ListFilter) ([]model.Ticket, int64, error) {
	var items []model.Ticket
	var total int64

	tx := s.db.WithContext(ctx).Model(&model.Ticket{})
	if filter.Status != "" {
		tx = tx.Where("status = ?", filter.Status)
	}
	if filter.Priority != "" {
		tx = tx.Where("priority = ?", filter.Priority)
	}

	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		tx = tx.Offset(filter.Offset)
	}
	if err := tx.Order("created_at DESC").Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// UpdateStatus advances a ticket along its lifecycle. The lifecycle only
// moves forward; reopening a closed ticket is not supported.
func (s *TicketService) UpdateStatus(ctx context.Context, number string, next model.TicketStatus) (*model.Ticket, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrBadTransition, next)
	}

	t, err := s.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if !t.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBadTransition, t.Status, next)
	}

	changes := map[string]interface{}{"status": next}
	if next == model.TicketStatusClosed {
		now := time.Now().UTC()
		changes["closed_at"] = &now
	}
	if err := s.db.WithContext(ctx).Model(t).Updates(changes).Error; err != nil {
		return nil, err
	}

	s.logger.Info("ticket status updated",
		zap.String("number", t.Number),
		zap.String("status", string(next)),
	)
	return t, nil
}
