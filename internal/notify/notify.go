// Package notify renders and delivers workflow notifications. Delivery runs
// through the job queue so it never affects the outcome of the caller.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Kind names a notification template.
type Kind string

const (
	KindRequestSubmitted         Kind = "request_submitted"
	KindSuperOwnerNewRequest     Kind = "super_owner_new_request"
	KindRequestApproved          Kind = "request_approved"
	KindLoginCredentials         Kind = "login_credentials"
	KindRequestRejected          Kind = "request_rejected"
	KindDocumentsRequired        Kind = "documents_required"
	KindDocumentRevisionRequired Kind = "document_revision_required"
)

// Notification is a single message to a single recipient. Key identifies the
// delivery so retried tasks are sent at most once.
type Notification struct {
	Kind Kind              `json:"kind"`
	To   string            `json:"to"`
	Data map[string]string `json:"data,omitempty"`
	Key  string            `json:"key"`
}

// Notifier accepts notifications for delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Enqueuer hands a notification to the job queue.
type Enqueuer interface {
	EnqueueNotification(ctx context.Context, n Notification) error
}

// ErrNoRecipient is returned for notifications without an address.
var ErrNoRecipient = errors.New("notify: recipient required")

// Dispatcher enqueues notifications and swallows failures after logging them.
type Dispatcher struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewDispatcher constructs a Dispatcher. A nil queue only logs.
func NewDispatcher(queue Enqueuer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: queue, logger: logger}
}

// Notify enqueues n. Errors are logged, never returned.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	if d == nil {
		return
	}
	n.To = strings.TrimSpace(n.To)
	if n.To == "" {
		d.logger.WarnContext(ctx, "notification dropped", slog.String("kind", string(n.Kind)), slog.Any("error", ErrNoRecipient))
		return
	}
	if n.Key == "" {
		n.Key = uuid.NewString()
	}
	if d.queue == nil {
		d.logger.InfoContext(ctx, "notification not queued", slog.String("kind", string(n.Kind)), slog.String("to", n.To))
		return
	}
	if err := d.queue.EnqueueNotification(ctx, n); err != nil {
		d.logger.ErrorContext(ctx, "enqueue notification",
			slog.String("kind", string(n.Kind)),
			slog.String("key", n.Key),
			slog.Any("error", err))
	}
}
