package configuration

import (
	"context"
	"fmt"
	"time"

	"github.com/civicworks/roadwatch/internal/database"
	"github.com/civicworks/roadwatch/internal/db"
	"github.com/civicworks/roadwatch/internal/hub"
	"github.com/civicworks/roadwatch/internal/model"
	"github.com/civicworks/roadwatch/internal/repo"
	"github.com/civicworks/roadwatch/internal/service"
	"github.com/civicworks/roadwatch/internal/storage"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Container struct {
	Tickets      *service.TicketService
	MessageStore repo.MessageStore
	Attachments  *storage.AttachmentStore
	Hub          *hub.Hub
	Config       Config
	Logger       *zap.Logger

	// private - for cleanup
	mongoDatabase *mongo.Database
	ticketDB      *gorm.DB
}

func BuildContainer(configPath string) (*Container, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	con, err := db.OpenConnection(config.ChatDatabase.Uri, config.ChatDatabase.Database)
	if err != nil {
		return nil, fmt.Errorf("connect chat database: %w", err)
	}

	messages := db.NewRepository[model.ChatMessage](con, config.ChatDatabase.MessagesCollection)
	messageStore := repo.NewMessageStore(messages, logger)

	attachments, err := storage.NewAttachmentStore(con, config.Server.PublicBaseURL, logger)
	if err != nil {
		return nil, err
	}

	ticketDB, err := database.Open(config.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect ticket database: %w", err)
	}
	tickets := service.NewTicketService(ticketDB, logger)

	h := hub.NewHub(messageStore, tickets, config.Server.AllowedOrigins, logger)

	return &Container{
		Tickets:       tickets,
		MessageStore:  messageStore,
		Attachments:   attachments,
		Hub:           h,
		Config:        *config,
		Logger:        logger,
		mongoDatabase: con,
		ticketDB:      ticketDB,
	}, nil
}

// Close gracefully shuts down all connections
func (c *Container) Close() error {
	// Stop the hub first (closes all WebSocket connections)
	if c.Hub != nil {
		c.Hub.Stop()
	}

	if c.Logger != nil {
		_ = c.Logger.Sync()
	}

	if c.ticketDB != nil {
		if sqlDB, err := c.ticketDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	if c.mongoDatabase != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.mongoDatabase.Client().Disconnect(ctx); err != nil {
			return fmt.Errorf("close chat database: %w", err)
		}
	}

	return nil
}
