// Package notification delivers user-visible alerts (self-check violations,
// manual refresh outcomes, breaker trips) to external channels.
package notification

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Slug    string     `json:"slug,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// Log writes alerts to a zerolog logger.
type Log struct {
	log zerolog.Logger
}

// NewLog creates a log-based notifier.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "notify").Logger()}
}

func (n *Log) Send(_ context.Context, alert Alert) error {
	var ev *zerolog.Event
	switch alert.Level {
	case AlertCritical:
		ev = n.log.Error()
	case AlertWarning:
		ev = n.log.Warn()
	default:
		ev = n.log.Info()
	}
	ev.Str("title", alert.Title).Str("slug", alert.Slug).Msg(alert.Message)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
