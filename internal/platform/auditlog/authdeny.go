package auditlog

import (
	"strings"

	"github.com/applaude-labs/applaude-go/internal/platform/auth"
)

// FromAuthDeny converts a rejected request into an audit event.
func FromAuthDeny(service string, event auth.DenyEvent) Event {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}
	return Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth.denied",
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		AccountID:    event.AccountID,
		RequestID:    event.RequestID,
		Payload: map[string]any{
			"service":     service,
			"status":      event.Status,
			"reason":      event.Reason,
			"error":       event.Error,
			"subject":     event.Subject,
			"email":       event.Email,
			"roles":       event.Roles,
			"remote_addr": event.RemoteAddr,
			"user_agent":  event.UserAgent,
		},
	}
}
