// Package ibkr provides Interactive Brokers connectivity over the TWS socket
// API, driving the scmhub/ibapi client.
package ibkr

import (
	"time"
)

// Default socket ports of TWS and IB Gateway.
const (
	PortTWSPaper     = 7497
	PortTWSLive      = 7496
	PortGatewayPaper = 4002
	PortGatewayLive  = 4001
)

// Config holds TWS session settings.
type Config struct {
	Host     string
	Port     int
	ClientID int
	Account  string // empty keeps positions of every managed account

	// MarketDataPort, when set, opens a second session on the same host for
	// quotes. Paper accounts use it to read live market data.
	MarketDataPort int

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Outbound pacing. TWS disconnects clients above 50 messages/sec.
	MaxRequestsPerSecond int
	QualifyBatchSize     int

	ConnectRetries int
	RetryWait      time.Duration

	AutoReconnect     bool
	ReconnectInterval time.Duration
	MaxReconnectTries int

	PaperTrading bool
}

// DefaultConfig returns settings for a local paper TWS.
func DefaultConfig() Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 PortTWSPaper,
		ClientID:             1,
		ConnectTimeout:       10 * time.Second,
		RequestTimeout:       30 * time.Second,
		MaxRequestsPerSecond: 45,
		QualifyBatchSize:     30,
		ConnectRetries:       2,
		RetryWait:            2 * time.Second,
		AutoReconnect:        true,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectTries:    10,
		PaperTrading:         true,
	}
}

// DefaultPort returns the standard socket port for the account type and
// application.
func DefaultPort(live, gateway bool) int {
	switch {
	case gateway && live:
		return PortGatewayLive
	case gateway:
		return PortGatewayPaper
	case live:
		return PortTWSLive
	default:
		return PortTWSPaper
	}
}
