package hub

import (
	"sort"

	"github.com/civicworks/roadwatch/internal/model"
)

// MonitorService provides methods to gather hub statistics
type MonitorService struct {
	hub *Hub
}

// NewMonitorService creates a new monitor service
func NewMonitorService(hub *Hub) *MonitorService {
	return &MonitorService{hub: hub}
}

// GetStats gathers and returns all hub statistics
func (ms *MonitorService) GetStats() model.MonitorResponse {
	connections := model.ConnectionStats{}
	channels := make([]model.ChannelInfo, 0)

	for _, bucket := range ms.hub.shards {
		bucket.RLock()
		for _, ch := range bucket.channels {
			info := model.ChannelInfo{
				TicketNumber:  ch.ticket,
				Members:       len(ch.members),
				CitizenTyping: ch.presence.Observe(model.RoleCitizen),
				AdminTyping:   ch.presence.Observe(model.RoleAdmin),
			}
			channels = append(channels, info)

			for _, c := range ch.members {
				connections.TotalConnected++
				switch c.Role {
				case model.RoleCitizen:
					connections.Citizens++
				case model.RoleAdmin:
					connections.Admins++
				}
			}
		}
		bucket.RUnlock()
	}

	sort.Slice(channels, func(i, j int) bool {
		return channels[i].TicketNumber < channels[j].TicketNumber
	})

	status := "healthy"
	if connections.TotalConnected == 0 {
		status = "idle"
	}

	return model.MonitorResponse{
		Status:      status,
		Connections: connections,
		Channels:    channels,
	}
}
