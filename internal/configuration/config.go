package configuration

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/joho/godotenv"
)

type MongoConfig struct {
	Uri                string `json:"uri"`
	Database           string `json:"database"`
	MessagesCollection string `json:"messagesCollection"`
	SocketRoute        string `json:"socketRoute"`
}

type PostgresConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

func (c PostgresConfig) DatabaseURL() string {
	pass := url.QueryEscape(c.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, pass, c.Host, c.Port, c.Database, c.SSLMode)
}

type ServerConfig struct {
	AppPort        int      `json:"app_port"`
	SocketPort     int      `json:"socket_port"`
	PublicBaseURL  string   `json:"public_base_url"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type Config struct {
	Database     PostgresConfig `json:"postgres"`
	ChatDatabase MongoConfig    `json:"mongo"`
	Server       ServerConfig   `json:"server"`
}

// LoadConfig reads the JSON config file, then lets the environment (or a
// local .env) override the secrets so credentials stay out of the file.
func LoadConfig(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if v := os.Getenv("DB_PASSWORD"); v != "" {
		config.Database.Password = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		config.ChatDatabase.Uri = v
	}

	if config.ChatDatabase.SocketRoute == "" {
		config.ChatDatabase.SocketRoute = "ws"
	}

	return &config, nil
}
