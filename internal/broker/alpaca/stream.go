package alpaca

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	tradeapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// ErrStreamUnauthorized is returned when the stream rejects the API keys.
var ErrStreamUnauthorized = errors.New("trade stream not authorized")

// stream follows the trade events feed and reconnects on loss, resuming
// after the last event seen.
type stream struct {
	client     *tradeapi.Client
	logger     *slog.Logger
	reconnects int
	wait       time.Duration
	handle     func(tradeapi.TradeUpdate)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
	lastAt    time.Time // guarded by the run goroutine
}

func newStream(client *tradeapi.Client, cfg Config, logger *slog.Logger, handle func(tradeapi.TradeUpdate)) *stream {
	return &stream{
		client:     client,
		logger:     logger.With("component", "trade_stream"),
		reconnects: cfg.StreamReconnects,
		wait:       cfg.StreamReconnectWait,
		handle:     handle,
	}
}

// start follows the feed in the background until stop.
func (s *stream) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.connected.Store(true)
	go s.run(ctx, s.done)
}

func (s *stream) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.connected.Store(false)

	failures := 0
	for {
		req := tradeapi.StreamTradeUpdatesRequest{}
		if !s.lastAt.IsZero() {
			req.Since = s.lastAt.Add(time.Nanosecond)
		}
		s.connected.Store(true)
		err := s.client.StreamTradeUpdates(ctx, func(u tradeapi.TradeUpdate) {
			failures = 0
			if u.At.After(s.lastAt) {
				s.lastAt = u.At
			}
			s.handle(u)
		}, req)
		s.connected.Store(false)

		if ctx.Err() != nil {
			return
		}
		if code := statusCode(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
			s.logger.Error("trade stream refused, polling orders", "err", errors.Join(ErrStreamUnauthorized, err))
			return
		}
		failures++
		if failures > s.reconnects {
			s.logger.Error("trade stream reconnect attempts exhausted", "err", err)
			return
		}
		s.logger.Warn("trade stream dropped, reconnecting", "attempt", failures, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.wait):
		}
	}
}

// stop ends the feed and waits for the reader to exit. Safe to repeat.
func (s *stream) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// isConnected reports whether the feed request is open.
func (s *stream) isConnected() bool {
	return s.connected.Load()
}

// exited is closed once the background reader has given up or stopped.
func (s *stream) exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
