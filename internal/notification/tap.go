package notification

import (
	"context"
	"log/slog"
)

// Sink receives a detected notification for delivery to the bound
// WebSocket connection (as a wsproto notification frame) and/or a
// status webhook. Implemented by internal/terminalws and
// internal/webhook respectively; kept minimal so this package does not
// import either.
type Sink interface {
	NotifyDetected(n Notification)
}

// Watch taps a copy of a session's PTY output and forwards every
// detected notification to sink, until tap closes or ctx is canceled.
func Watch(ctx context.Context, tap <-chan []byte, sink Sink, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-tap:
			if !ok {
				return
			}
			for _, n := range Detect(chunk) {
				sink.NotifyDetected(n)
			}
		}
	}
}
