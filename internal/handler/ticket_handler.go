package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/civicworks/roadwatch/internal/export"
	"github.com/civicworks/roadwatch/internal/model"
	"github.com/civicworks/roadwatch/internal/service"
	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
)

type TicketHandler interface {
	CreateTicket(c *gin.Context)
	GetTicket(c *gin.Context)
	ListTickets(c *gin.Context)
	UpdateStatus(c *gin.Context)
	ExportTickets(c *gin.Context)
	TrackingQR(c *gin.Context)
}

type ticketHandler struct {
	tickets       *service.TicketService
	publicBaseURL string
}

func NewTicketHandler(tickets *service.TicketService, publicBaseURL string) TicketHandler {
	return &ticketHandler{
		tickets:       tickets,
		publicBaseURL: publicBaseURL,
	}
}

type createTicketRequest struct {
	RequesterName  string `json:"requesterName" binding:"required"`
	RequesterEmail string `json:"requesterEmail"`
	RequesterPhone string `json:"requesterPhone"`
	Subject        string `json:"subject" binding:"required"`
	InitialMessage string `json:"initialMessage"`
	Priority       string `json:"priority"`
}

func (h *ticketHandler) CreateTicket(c *gin.Context) {
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.tickets.Create(c.Request.Context(), service.CreateTicketInput{
		RequesterName:  req.RequesterName,
		RequesterEmail: req.RequesterEmail,
		RequesterPhone: req.RequesterPhone,
		Subject:        req.Subject,
		InitialMessage: req.InitialMessage,
		Priority:       model.TicketPriority(req.Priority),
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create ticket"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"ticket": t})
}

func (h *ticketHandler) GetTicket(c *gin.Context) {
	t, err := h.tickets.GetByNumber(c.Request.Context(), c.Param("number"))
	if err != nil {
		if errors.Is(err, service.ErrTicketNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ticket"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ticket": t})
}

func (h *ticketHandler) ListTickets(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page number"})
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("pageSize", "25"))
	if err != nil || pageSize < 1 || pageSize > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page size"})
		return
	}

	tickets, total, err := h.tickets.List(c.Request.Context(), service.ListFilter{
		Status:   model.TicketStatus(c.Query("status")),
		Priority: model.TicketPriority(c.Query("priority")),
		Limit:    pageSize,
		Offset:   (page - 1) * pageSize,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tickets"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tickets": tickets,
		"total":   total,
		"page":    page,
	})
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *ticketHandler) UpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.tickets.UpdateStatus(c.Request.Context(), c.Param("number"), model.TicketStatus(req.Status))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTicketNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		case errors.Is(err, service.ErrBadTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update ticket"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"ticket": t})
}

func (h *ticketHandler) ExportTickets(c *gin.Context) {
	tickets, _, err := h.tickets.List(c.Request.Context(), service.ListFilter{
		Status: model.TicketStatus(c.Query("status")),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tickets"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="tickets.xlsx"`)
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err := export.WriteTickets(c.Writer, tickets); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export tickets"})
	}
}

// TrackingQR renders the citizen's tracking link as a QR code, suitable for
// a printed receipt.
func (h *ticketHandler) TrackingQR(c *gin.Context) {
	t, err := h.tickets.GetByNumber(c.Request.Context(), c.Param("number"))
	if err != nil {
		if errors.Is(err, service.ErrTicketNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ticket"})
		return
	}

	trackingURL := fmt.Sprintf("%s/track/%s", h.publicBaseURL, t.Number)
	png, err := qrcode.Encode(trackingURL, qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render QR code"})
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}
