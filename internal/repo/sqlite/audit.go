package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/platform/auditlog"
)

type AuditAppender struct {
	db DB
}

func NewAuditAppender(db DB) *AuditAppender {
	if db == nil {
		return nil
	}
	return &AuditAppender{db: db}
}

func (a *AuditAppender) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	if a == nil || a.db == nil {
		return 0, errors.New("audit appender not initialized")
	}
	rec, err := auditlog.Prepare(auditlog.Event{
		OccurredAt:   event.OccurredAt,
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		AccountID:    event.AccountID,
		RequestID:    event.RequestID,
		Payload:      event.Payload,
	})
	if err != nil {
		return 0, err
	}
	var id int64
	err = a.db.QueryRowContext(
		ctx,
		`INSERT INTO audit_events (
			occurred_at, actor, action, resource_type, resource_id,
			account_id, request_id, payload, integrity_sha256
		) VALUES (?,?,?,?,?,?,?,?,?)
		RETURNING event_id`,
		rec.OccurredAt,
		rec.Actor,
		rec.Action,
		rec.ResourceType,
		rec.ResourceID,
		auditlog.NullString(rec.AccountID),
		auditlog.NullString(rec.RequestID),
		string(rec.PayloadJSON),
		rec.IntegritySHA256,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", classify(err))
	}
	return id, nil
}
