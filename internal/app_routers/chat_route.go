package approuters

import (
	"github.com/civicworks/roadwatch/internal/configuration"
	"github.com/civicworks/roadwatch/internal/handler"
	"github.com/gin-gonic/gin"
)

func ChatRouters(router *gin.Engine, container *configuration.Container) {
	chatHandler := handler.NewChatHandler(
		container.MessageStore,
		container.Tickets,
		container.Attachments,
		container.Logger,
	)

	ticketRoute := router.Group("/api/tickets")
	{
		ticketRoute.GET("/:number/messages", chatHandler.GetMessages)
		ticketRoute.POST("/:number/attachments", chatHandler.UploadAttachment)
	}

	router.GET("/api/attachments/:id", chatHandler.DownloadAttachment)
}
