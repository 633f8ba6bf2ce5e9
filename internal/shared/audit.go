package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buildtrack/buildtrack/internal/platform/db"
)

// AuditLog is one row of audit_logs. EntityID is text so UUID and integer
// keyed entities share the table.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

func (l AuditLog) validate() error {
	switch {
	case l.Action == "":
		return errors.New("shared: audit action required")
	case l.Entity == "" || l.EntityID == "":
		return errors.New("shared: audit entity required")
	}
	return nil
}

// AuditLogger appends to audit_logs.
type AuditLogger struct {
	db db.Querier
}

// NewAuditLogger returns a logger writing through q.
func NewAuditLogger(q db.Querier) *AuditLogger {
	return &AuditLogger{db: q}
}

// Record appends entry. A zero ActorID is stored as NULL (system actions) and
// a zero At defaults to the database clock.
func (l *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("shared: audit logger not configured")
	}
	if err := entry.validate(); err != nil {
		return err
	}
	meta := entry.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("shared: encode audit meta: %w", err)
	}
	var actor *int64
	if entry.ActorID > 0 {
		actor = &entry.ActorID
	}
	var at *time.Time
	if !entry.At.IsZero() {
		at = &entry.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, actor, entry.Action, entry.Entity, entry.EntityID, payload, at)
	if err != nil {
		return fmt.Errorf("shared: record audit %s: %w", entry.Action, err)
	}
	return nil
}
