// Package notify delivers operator notifications for ledger events to chat
// channels (Telegram, Discord). Events are filtered by type and delivered
// from a background queue.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// DefaultEvents are announced when no event filter is configured.
var DefaultEvents = []domain.EventType{
	domain.EventClaimResolved,
	domain.EventAssetSold,
	domain.EventAssetExpired,
	domain.EventTxUnknown,
}

const queueSize = 128

// ErrQueueFull is returned by Announce when delivery is backed up.
var ErrQueueFull = errors.New("notify: queue full")

type note struct {
	title, message string
}

// Notifier renders events and dispatches them to every Sender.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	queue   chan note
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. Only event types in
// events are announced; an empty list means DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool)
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	if len(allowed) == 0 {
		for _, e := range DefaultEvents {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan note, queueSize),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Announce queues ev for delivery if its type is enabled.
func (n *Notifier) Announce(ctx context.Context, ev domain.Event) error {
	if len(n.senders) == 0 || !n.events[ev.Type] {
		return nil
	}
	title, message := Render(ev)
	select {
	case n.queue <- note{title: title, message: message}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case nt := <-n.queue:
			if err := n.NotifyAll(ctx, nt.title, nt.message); err != nil && ctx.Err() == nil {
				n.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
			}
		}
	}
}

// NotifyAll sends a notification to all senders synchronously. A failing
// sender does not stop delivery to the rest.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}

// Render formats an event as a notification title and body.
func Render(ev domain.Event) (string, string) {
	var title string
	switch ev.Type {
	case domain.EventClaimSubmitted:
		title = fmt.Sprintf("Claim #%d submitted", ev.ClaimID)
	case domain.EventClaimResolved:
		title = fmt.Sprintf("Claim #%d resolved", ev.ClaimID)
	case domain.EventAssetListed:
		title = fmt.Sprintf("Asset #%d listed", ev.TokenID)
	case domain.EventListingCanceled:
		title = fmt.Sprintf("Asset #%d listing canceled", ev.TokenID)
	case domain.EventBidPlaced:
		title = fmt.Sprintf("Bid on asset #%d", ev.TokenID)
	case domain.EventBidWithdrawn:
		title = fmt.Sprintf("Bid withdrawn on asset #%d", ev.TokenID)
	case domain.EventAssetSold:
		title = fmt.Sprintf("Asset #%d sold", ev.TokenID)
	case domain.EventAssetExtended:
		title = fmt.Sprintf("Asset #%d extended", ev.TokenID)
	case domain.EventAssetExpired:
		title = fmt.Sprintf("Asset #%d expired", ev.TokenID)
	case domain.EventTxUnknown:
		title = "Transaction outcome unknown"
	case domain.EventTxReconciled:
		title = "Transaction reconciled"
	default:
		title = string(ev.Type)
	}

	var lines []string
	if ev.Actor != "" {
		lines = append(lines, "by "+ev.Actor.String())
	}
	for _, k := range sortedKeys(ev.Detail) {
		lines = append(lines, fmt.Sprintf("%s: %v", k, ev.Detail[k]))
	}
	if ev.TxHash != "" {
		lines = append(lines, "tx "+string(ev.TxHash))
	}
	return title, strings.Join(lines, "\n")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
