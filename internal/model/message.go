package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Participant roles. Capacity on a channel is one citizen plus one admin in
// practice, but nothing deduplicates multiple connections of the same role.
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleCitizen || r == RoleAdmin
}

const (
	// MaxAttachmentsPerTicket caps attachments cumulatively across the whole
	// conversation. Enforced at append time, so near-simultaneous sends can
	// transiently exceed it.
	MaxAttachmentsPerTicket = 3

	// AttachmentPlaceholder stands in for the body when a message carries
	// only attachments.
	AttachmentPlaceholder = "[attachment]"
)

// ChatMessage is one turn in a ticket conversation, stored in MongoDB.
// Messages are append-only: no edit or delete exists.
type ChatMessage struct {
	ID           primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	MessageID    string             `json:"messageId" bson:"message_id"`
	TicketNumber string             `json:"ticketNumber" bson:"ticket_number"`
	SenderRole   Role               `json:"senderRole" bson:"sender_role"`
	SenderName   string             `json:"senderName" bson:"sender_name"`
	Body         string             `json:"body" bson:"body"`
	Attachments  []string           `json:"attachments" bson:"attachments"`
	CreatedAt    time.Time          `json:"createdAt" bson:"created_at"`
}
