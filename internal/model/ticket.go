package model

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

type TicketStatus string

const (
	TicketStatusNew        TicketStatus = "new"
	TicketStatusInProgress TicketStatus = "in-progress"
	TicketStatusResolved   TicketStatus = "resolved"
	TicketStatusClosed     TicketStatus = "closed"
)

var statusOrder = map[TicketStatus]int{
	TicketStatusNew:        0,
	TicketStatusInProgress: 1,
	TicketStatusResolved:   2,
	TicketStatusClosed:     3,
}

func (s TicketStatus) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// CanTransitionTo reports whether the lifecycle allows moving to next. The
// lifecycle only moves forward; there is no reopen.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	cur, ok := statusOrder[s]
	if !ok {
		return false
	}
	target, ok := statusOrder[next]
	if !ok {
		return false
	}
	return target > cur
}

type TicketPriority string

const (
	TicketPriorityLow    TicketPriority = "low"
	TicketPriorityMedium TicketPriority = "medium"
	TicketPriorityHigh   TicketPriority = "high"
)

// Ticket identifies a support conversation. Number is the immutable routing
// key for the conversation's realtime channel.
type Ticket struct {
	ID             uint64         `gorm:"primaryKey" json:"id"`
	Number         string         `gorm:"uniqueIndex;type:varchar(16);not null" json:"number"`
	RequesterName  string         `gorm:"type:varchar(128);not null" json:"requesterName"`
	RequesterEmail string         `gorm:"type:varchar(255)" json:"requesterEmail,omitempty"`
	RequesterPhone string         `gorm:"type:varchar(32)" json:"requesterPhone,omitempty"`
	Subject        string         `gorm:"type:varchar(255);not null" json:"subject"`
	InitialMessage string         `gorm:"type:text" json:"initialMessage,omitempty"`
	Status         TicketStatus   `gorm:"type:varchar(32);index;not null" json:"status"`
	Priority       TicketPriority `gorm:"type:varchar(32);index" json:"priority,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

var ticketNumberPattern = regexp.MustCompile(`^SUP-\d{6}$`)

// NormalizeTicketNumber uppercases a user-entered ticket number. Entry is
// case-insensitive but the routing key is always the uppercase form.
func NormalizeTicketNumber(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ValidTicketNumber reports whether a normalized number has the SUP-XXXXXX shape.
func ValidTicketNumber(number string) bool {
	return ticketNumberPattern.MatchString(number)
}

// NewTicketNumber generates a candidate number. Uniqueness is enforced by the
// database index; callers retry on collision.
func NewTicketNumber() string {
	return fmt.Sprintf("SUP-%06d", rand.Intn(1000000))
}
