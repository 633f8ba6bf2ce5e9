package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/buildtrack/buildtrack/internal/jobs"
	"github.com/buildtrack/buildtrack/internal/notify"
	"github.com/buildtrack/buildtrack/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeNotify is the task type for delivering workflow notifications.
	TaskTypeNotify = "notify:deliver"
	// TaskTypeKeyCleanup prunes delivered notification keys.
	TaskTypeKeyCleanup = "notify:cleanup"

	// DefaultKeyRetention is how long delivered keys block redelivery.
	DefaultKeyRetention = 14 * 24 * time.Hour

	idempotencyModule = "notify"
)

// NewNotifyTask constructs an Asynq task carrying n. Secret fields are
// sealed first so task payloads, including archived ones, never hold them
// in clear text.
func NewNotifyTask(n notify.Notification, sealer *notify.Sealer) (*asynq.Task, error) {
	n, err := sealer.Seal(n)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeNotify, data, asynq.MaxRetry(5)), nil
}

// IdempotencyPort records delivered notification keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// NotifyHandler renders and sends notification tasks at most once per key.
type NotifyHandler struct {
	sender  notify.Sender
	keys    IdempotencyPort
	sealer  *notify.Sealer
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewNotifyHandler constructs the handler. keys and metrics may be nil.
// sealer must match the one tasks were enqueued with.
func NewNotifyHandler(sender notify.Sender, keys IdempotencyPort, sealer *notify.Sealer, metrics *jobmetrics.Metrics, logger *slog.Logger) *NotifyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyHandler{sender: sender, keys: keys, sealer: sealer, metrics: metrics, logger: logger}
}

// Handle processes TaskTypeNotify tasks.
func (h *NotifyHandler) Handle(ctx context.Context, t *asynq.Task) error {
	var n notify.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		h.metrics.Skipped(TaskTypeNotify, "payload")
		return fmt.Errorf("decode notification: %v: %w", err, asynq.SkipRetry)
	}
	opened, err := h.sealer.Open(n)
	if err != nil {
		h.logger.ErrorContext(ctx, "open notification", slog.String("kind", string(n.Kind)), slog.Any("error", err))
		h.metrics.Skipped(TaskTypeNotify, "sealed")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	n = opened
	msg, err := notify.Render(n)
	if err != nil {
		h.logger.ErrorContext(ctx, "render notification", slog.String("kind", string(n.Kind)), slog.Any("error", err))
		h.metrics.Skipped(TaskTypeNotify, "template")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if h.keys != nil && n.Key != "" {
		if err := h.keys.CheckAndInsert(ctx, n.Key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				h.metrics.Skipped(TaskTypeNotify, "duplicate")
				return nil
			}
			return err
		}
	}
	tracker := h.metrics.Track(TaskTypeNotify)
	if err := h.sender.Send(ctx, msg); err != nil {
		if h.keys != nil && n.Key != "" {
			if derr := h.keys.Delete(ctx, n.Key); derr != nil {
				h.logger.WarnContext(ctx, "release notification key", slog.String("key", n.Key), slog.Any("error", derr))
			}
		}
		h.logger.WarnContext(ctx, "send notification",
			slog.String("kind", string(n.Kind)),
			slog.String("key", n.Key),
			slog.Any("error", err))
		return tracker.End(err)
	}
	h.metrics.Delivered(string(n.Kind))
	return tracker.End(nil)
}

type cleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewKeyCleanupTask constructs the periodic key cleanup task.
func NewKeyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(cleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeKeyCleanup, data), nil
}

// KeyCleaner deletes idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// KeyCleanupHandler runs TaskTypeKeyCleanup tasks.
type KeyCleanupHandler struct {
	keys    KeyCleaner
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewKeyCleanupHandler constructs the handler.
func NewKeyCleanupHandler(keys KeyCleaner, metrics *jobmetrics.Metrics, logger *slog.Logger) *KeyCleanupHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyCleanupHandler{keys: keys, metrics: metrics, logger: logger}
}

// Handle processes TaskTypeKeyCleanup tasks.
func (h *KeyCleanupHandler) Handle(ctx context.Context, t *asynq.Task) error {
	var p cleanupPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.metrics.Skipped(TaskTypeKeyCleanup, "payload")
		return fmt.Errorf("decode cleanup payload: %v: %w", err, asynq.SkipRetry)
	}
	retention := time.Duration(p.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = DefaultKeyRetention
	}
	tracker := h.metrics.Track(TaskTypeKeyCleanup)
	pruned, err := h.keys.Cleanup(ctx, retention)
	if err != nil {
		h.logger.WarnContext(ctx, "cleanup notification keys", slog.Any("error", err))
		return tracker.End(err)
	}
	h.logger.InfoContext(ctx, "notification keys pruned",
		slog.Duration("retention", retention),
		slog.Int64("pruned", pruned))
	return tracker.End(nil)
}
