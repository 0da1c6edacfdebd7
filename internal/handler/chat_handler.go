package handler

import (
	"errors"
	"net/http"

	"github.com/civicworks/roadwatch/internal/model"
	"github.com/civicworks/roadwatch/internal/repo"
	"github.com/civicworks/roadwatch/internal/service"
	"github.com/civicworks/roadwatch/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ChatHandler interface {
	GetMessages(c *gin.Context)
	UploadAttachment(c *gin.Context)
	DownloadAttachment(c *gin.Context)
}

type chatHandler struct {
	store       repo.MessageStore
	tickets     *service.TicketService
	attachments *storage.AttachmentStore
	logger      *zap.Logger
}

func NewChatHandler(store repo.MessageStore, tickets *service.TicketService, attachments *storage.AttachmentStore, logger *zap.Logger) ChatHandler {
	return &chatHandler{
		store:       store,
		tickets:     tickets,
		attachments: attachments,
		logger:      logger,
	}
}

// GetMessages returns the full conversation history, oldest first.
func (h *chatHandler) GetMessages(c *gin.Context) {
	number := c.Param("number")
	if _, err := h.tickets.GetByNumber(c.Request.Context(), number); err != nil {
		if errors.Is(err, service.ErrTicketNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ticket"})
		return
	}

	msgs, err := h.store.ListByTicket(c.Request.Context(), number)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// UploadAttachment stores a chat image before the message referencing it is
// appended. The cumulative cap is pre-checked here as a courtesy; the append
// itself re-checks it.
func (h *chatHandler) UploadAttachment(c *gin.Context) {
	number := c.Param("number")
	if _, err := h.tickets.GetByNumber(c.Request.Context(), number); err != nil {
		if errors.Is(err, service.ErrTicketNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ticket"})
		return
	}

	total, err := h.store.CountAttachments(c.Request.Context(), number)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count attachments"})
		return
	}
	if total >= model.MaxAttachmentsPerTicket {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "attachment limit for this ticket reached"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer file.Close()

	att, err := h.attachments.Upload(number, fileHeader.Filename, fileHeader.Header.Get("Content-Type"), file)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotImage):
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only image attachments are allowed"})
		case errors.Is(err, storage.ErrTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "attachment too large"})
		default:
			h.logger.Error("attachment upload failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store attachment"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":  att.ID,
		"url": att.URL,
	})
}

func (h *chatHandler) DownloadAttachment(c *gin.Context) {
	stream, att, err := h.attachments.Open(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open attachment"})
		return
	}
	defer stream.Close()

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, -1, contentType, stream, nil)
}
