// Package core defines the interfaces shared across the exchange engine.
package core

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// EventKind identifies the payload type of an engine event.
type EventKind string

const (
	EventOrder  EventKind = "order"
	EventTicker EventKind = "ticker"
)

// Event is a broadcast unit pushed from the engine to stream subscribers.
type Event struct {
	Kind    EventKind   `json:"kind"`
	Payload interface{} `json:"payload"`
}

// EventSink receives engine events. Implementations must not block; slow
// consumers are the sink's problem, not the engine's.
type EventSink interface {
	Publish(ev Event)
}
