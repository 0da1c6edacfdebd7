package model

// -----------------------------------------------------------------
// Monitor API Response Models
// -----------------------------------------------------------------

// MonitorResponse is the main response for the monitor API
type MonitorResponse struct {
	Status      string          `json:"status"` // "healthy" or "idle"
	Connections ConnectionStats `json:"connections"`
	Channels    []ChannelInfo   `json:"channels"`
}

// ConnectionStats holds connection-related statistics
type ConnectionStats struct {
	TotalConnected int `json:"totalConnected"`
	Citizens       int `json:"citizens"`
	Admins         int `json:"admins"`
}

// ChannelInfo describes one open ticket channel
type ChannelInfo struct {
	TicketNumber  string `json:"ticketNumber"`
	Members       int    `json:"members"`
	CitizenTyping bool   `json:"citizenTyping"`
	AdminTyping   bool   `json:"adminTyping"`
}
