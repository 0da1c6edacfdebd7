package approuters

import (
	"github.com/civicworks/roadwatch/internal/configuration"
	"github.com/civicworks/roadwatch/internal/handler"
	"github.com/gin-gonic/gin"
)

func TicketRouters(router *gin.Engine, container *configuration.Container) {
	ticketHandler := handler.NewTicketHandler(container.Tickets, container.Config.Server.PublicBaseURL)

	ticketRoute := router.Group("/api/tickets")
	{
		ticketRoute.POST("", ticketHandler.CreateTicket)
		ticketRoute.GET("", ticketHandler.ListTickets)
		ticketRoute.GET("/export", ticketHandler.ExportTickets)
		ticketRoute.GET("/:number", ticketHandler.GetTicket)
		ticketRoute.PATCH("/:number/status", ticketHandler.UpdateStatus)
		ticketRoute.GET("/:number/qr", ticketHandler.TrackingQR)
	}
}
