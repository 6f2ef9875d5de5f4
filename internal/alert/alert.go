// Package alert fans operational alerts out to external channels.
package alert

import (
	"context"
	"sync"
	"time"

	"mockexchange/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one alert as delivered to every channel.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers alerts to one destination.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager broadcasts alerts to all registered channels. Delivery is
// asynchronous; the caller never blocks on a slow webhook.
type Manager struct {
	channels []Channel
	log      core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		log: logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.log.Info("Added alert channel", "name", ch.Name())
}

// Alert sends to every channel in its own goroutine with a per-channel
// timeout. Failures are logged, never returned.
func (m *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.log.Info("Triggering alert", "title", title, "level", level)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := c.Send(timeoutCtx, payload); err != nil {
				m.log.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
