// Package notify delivers operator alerts over one or more channels.
// Delivery is best-effort by contract: the trading flow treats every send as
// fire-and-forget, and a dead channel must never stall an order.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers one alert with a title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs ("telegram", "discord").
	Name() string
}

// Notifier fans alerts out to all senders, filtered by event type. An empty
// event list allows everything.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only events
// named in events pass the filter; an empty list disables filtering.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

var _ domain.NotificationSink = (*Notifier)(nil)

// Notify delivers the alert to every sender if its event type passes the
// filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.allowed) > 0 && !n.allowed[event] {
		n.logger.Debug("event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll delivers the alert regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every channel. A failing sender never blocks the rest;
// failures are collected into one combined error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error("sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.Debug("notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title))
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
