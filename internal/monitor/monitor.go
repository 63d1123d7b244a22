package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"futures-core/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("🚨 %s", message)
	return nil
}

// Monitor forwards alert events to a sink and periodically hands metrics
// snapshots to a persist function.
type Monitor struct {
	Bus      *events.Bus
	Sink     AlertSink
	Metrics  *SystemMetrics
	Interval time.Duration
	Persist  func(MetricsSnapshot) error
}

// Start launches the alert and snapshot loops.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus != nil && m.Sink != nil {
		stream, unsub := m.Bus.Subscribe(events.EventAlert, 50)
		go func() {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					if err := m.Sink.Send(formatAlert(msg)); err != nil {
						log.Printf("⚠️ alert delivery failed: %v", err)
					}
				}
			}
		}()
	}

	if m.Metrics == nil || m.Persist == nil || m.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.Interval)
		defer ticker.Stop()
		var lastDropped uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.Bus != nil {
					if d := m.Bus.Dropped(); d > lastDropped {
						log.Printf("⚠️ event bus dropped %d deliveries to slow subscribers", d-lastDropped)
						lastDropped = d
					}
				}
				if err := m.Persist(m.Metrics.GetSnapshot()); err != nil {
					log.Printf("⚠️ metrics snapshot not persisted: %v", err)
				}
			}
		}
	}()
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case error:
		return t.Error()
	default:
		return "alert triggered"
	}
}
