package engine

import (
	"time"

	"github.com/openhallway/doorsense/internal/monitoring"
)

// Status event kinds published to the display side.
const (
	StatusAccessGranted = "ACCESS_GRANTED"
)

// DoorController actuates the physical door. The engine invokes it exactly
// once per trigger and does not retry on error.
type DoorController interface {
	SendDoorOpenCommand(duration time.Duration) error
}

// StatusPublisher receives fire-and-forget display notifications.
type StatusPublisher interface {
	PublishStatusEvent(kind string, duration time.Duration)
}

// LogDoorController logs open commands instead of driving a relay. It
// stands in wherever no actuator is attached.
type LogDoorController struct{}

func (LogDoorController) SendDoorOpenCommand(duration time.Duration) error {
	monitoring.Logf("door: open command (relay active %s)", duration)
	return nil
}

// LogStatusPublisher logs status events.
type LogStatusPublisher struct{}

func (LogStatusPublisher) PublishStatusEvent(kind string, duration time.Duration) {
	monitoring.Logf("status: %s for %s", kind, duration)
}

// NopStatusPublisher drops status events.
type NopStatusPublisher struct{}

func (NopStatusPublisher) PublishStatusEvent(string, time.Duration) {}
