package config

import (
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds the static server-connection descriptor and mirror settings.
// It is loaded once at startup and passed into components explicitly.
type Config struct {
	// ServerURL is the address of the pub/sub server the tools connect to.
	ServerURL string `validate:"required"`
	// Principal and Password authenticate the connection. Authentication is
	// handled entirely by the server; we only carry the credentials.
	Principal string
	Password  string

	// MirrorRoot is the topic-tree prefix (and directory) the mirror manages.
	MirrorRoot string `validate:"required"`

	// SessionRole is the ROLE property value the session listener matches.
	SessionRole string
}

// New loads configuration from environment variables and validates it.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		ServerURL:   os.Getenv("SERVER_URL"),
		Principal:   os.Getenv("SERVER_PRINCIPAL"),
		Password:    os.Getenv("SERVER_PASSWORD"),
		MirrorRoot:  os.Getenv("MIRROR_ROOT"),
		SessionRole: os.Getenv("SESSION_ROLE"),
	}
	if cfg.MirrorRoot == "" {
		cfg.MirrorRoot = "cdn"
	}
	if cfg.SessionRole == "" {
		cfg.SessionRole = "CLIENT"
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
