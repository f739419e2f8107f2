// Package alpaca provides Alpaca connectivity through the official trading
// and market data SDK, with order state pushed over the trade events stream.
package alpaca

import (
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

// Endpoints.
const (
	PaperURL = "https://paper-api.alpaca.markets"
	LiveURL  = "https://api.alpaca.markets"
	DataURL  = "https://data.alpaca.markets"

	// DefaultFeed is the quote feed available to every account.
	DefaultFeed = marketdata.IEX
)

// Config holds Alpaca connection configuration.
type Config struct {
	KeyID     string
	SecretKey string

	BaseURL string
	DataURL string
	Feed    string

	Timeout time.Duration

	// Rate limiting
	MaxRequestsPerSecond int

	// Throttled requests (429/504) are retried with exponential backoff.
	MaxRetries int
	RetryWait  time.Duration

	// Stream settings
	Stream              bool
	StreamReconnects    int
	StreamReconnectWait time.Duration
}

// DefaultConfig returns paper trading configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:              PaperURL,
		DataURL:              DataURL,
		Feed:                 DefaultFeed,
		Timeout:              15 * time.Second,
		MaxRequestsPerSecond: 3, // 200 requests per minute
		MaxRetries:           3,
		RetryWait:            3 * time.Second,
		Stream:               true,
		StreamReconnects:     5,
		StreamReconnectWait:  2 * time.Second,
	}
}

// LiveConfig returns configuration for live trading.
func LiveConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseURL = LiveURL
	return cfg
}
