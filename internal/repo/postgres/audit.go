package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/platform/auditlog"
)

type AuditAppender struct {
	db auditlog.QueryRower
}

func NewAuditAppender(db auditlog.QueryRower) *AuditAppender {
	if db == nil {
		return nil
	}
	return &AuditAppender{db: db}
}

func (a *AuditAppender) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	if a == nil || a.db == nil {
		return 0, errors.New("audit appender not initialized")
	}
	id, err := auditlog.Insert(ctx, a.db, auditlog.Event{
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
		return 0, fmt.Errorf("append audit event: %w", classify(err))
	}
	return id, nil
}
