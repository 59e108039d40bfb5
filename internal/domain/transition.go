package domain

import "time"

// Transition is one recorded status change of a run. Seq is 1-based and dense per run.
type Transition struct {
	RunID      string
	Seq        int
	From       RunStatus
	To         RunStatus
	Actor      string
	OccurredAt time.Time
}

// AuditEvent is an append-only record of a state-changing action.
type AuditEvent struct {
	EventID      int64
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	AccountID    string
	RequestID    string
	Payload      map[string]any
}

const (
	AuditActionRunCreated          = "run.created"
	AuditActionRunTransitioned     = "run.transitioned"
	AuditActionCreditsDebited      = "credits.debited"
	AuditActionCreditsGranted      = "credits.granted"
	AuditActionPlanActivated       = "plan.activated"
	AuditActionProjectLinked       = "project.linked"
	AuditActionProjectConnected    = "project.connected"
	AuditActionProjectDisconnected = "project.disconnected"
	AuditActionReportUploaded      = "report.uploaded"
	AuditActionAuthDenied          = "auth.denied"
)

// AuditInfo identifies who caused a change and through which request.
type AuditInfo struct {
	Actor     string
	RequestID string
	Service   string
}
