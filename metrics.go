package main

import (
	"context"
	"log/slog"
	"time"
)

// RunMetrics logs the broker-wide room count every interval until ctx is
// canceled. It mirrors the ancestor's single-room metrics ticker,
// generalized across every room the Broker currently holds.
func RunMetrics(ctx context.Context, broker *Broker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rooms := broker.RoomCount()
			slog.Info("relay metrics", "rooms", rooms)
		}
	}
}
