package approuters

import (
	"github.com/civicworks/roadwatch/internal/configuration"
	"github.com/civicworks/roadwatch/internal/handler"
	"github.com/civicworks/roadwatch/internal/hub"
	"github.com/gin-gonic/gin"
)

// MonitorRouters sets up monitoring API routes
func MonitorRouters(router *gin.Engine, container *configuration.Container) {
	monitorService := hub.NewMonitorService(container.Hub)
	monitorHandler := handler.NewMonitorHandler(monitorService)

	monitorGroup := router.Group("/api/monitor")
	{
		monitorGroup.GET("/stats", monitorHandler.GetHubStats)
	}
}
