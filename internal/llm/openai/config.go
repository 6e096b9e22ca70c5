package openai

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bpalas/street-safety-vision/constants"
)

// Config for the OpenAI batch client.
type Config struct {
	APIKey           string        // if empty, falls back to env OPENAI_API_KEY
	BaseURL          string        // default https://api.openai.com/v1
	Endpoint         string        // batch target endpoint, default /v1/chat/completions
	CompletionWindow string        // default 24h
	Timeout          time.Duration // http client timeout
	// LookbackPages bounds how many pages of recent batches are scanned when
	// looking for an already-submitted idempotency key.
	LookbackPages int
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = constants.DefaultEndpoint
	}
	if cfg.CompletionWindow == "" {
		cfg.CompletionWindow = constants.DefaultCompletionWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.LookbackPages <= 0 {
		cfg.LookbackPages = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger,
	}
}

// Endpoint is the request URL each batch line targets.
func (c *Client) Endpoint() string {
	return c.cfg.Endpoint
}
