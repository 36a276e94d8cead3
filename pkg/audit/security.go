// Package audit provides security audit logging for SIEM consumption.
// Events are logged as structured JSON under the "security_audit" logger name.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/auth"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventCrossTenantReference is logged when a request references data owned by another organization.
	EventCrossTenantReference SecurityEventType = "cross_tenant_reference"
	// EventSnapshotRestore is logged when an estimate is overwritten from a snapshot.
	EventSnapshotRestore SecurityEventType = "snapshot_restore"
)

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityCritical = "critical"
)

// SecurityEvent is one auditable event.
type SecurityEvent struct {
	Timestamp      time.Time         `json:"timestamp"`
	EventType      SecurityEventType `json:"event_type"`
	OrganizationID uuid.UUID         `json:"organization_id"`
	UserID         string            `json:"user_id,omitempty"`
	Details        any               `json:"details"`
	Severity       string            `json:"severity"`
}

// CrossTenantDetails names the foreign resource a request tried to use.
type CrossTenantDetails struct {
	ResourceType string    `json:"resource_type"`
	ResourceID   uuid.UUID `json:"resource_id"`
}

// RestoreDetails names the estimate and snapshot of a restore.
type RestoreDetails struct {
	EstimateID uuid.UUID `json:"estimate_id"`
	SnapshotID uuid.UUID `json:"snapshot_id"`
}

// SecurityAuditor logs security events.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor under the "security_audit" logger name.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogCrossTenantReference records an attempt to reference another organization's data.
// Logged at ERROR with critical severity.
func (a *SecurityAuditor) LogCrossTenantReference(ctx context.Context, orgID uuid.UUID, details CrossTenantDetails) {
	event := a.event(ctx, EventCrossTenantReference, orgID, details, SeverityCritical)
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("Cross-tenant reference rejected",
		zap.String("event_json", string(eventJSON)),
		zap.String("org_id", orgID.String()),
		zap.String("resource_type", details.ResourceType),
		zap.String("resource_id", details.ResourceID.String()),
		zap.String("user_id", event.UserID),
		zap.String("severity", SeverityCritical),
	)
}

// LogSnapshotRestore records that an estimate was overwritten from a snapshot.
func (a *SecurityAuditor) LogSnapshotRestore(ctx context.Context, orgID uuid.UUID, details RestoreDetails) {
	event := a.event(ctx, EventSnapshotRestore, orgID, details, SeverityInfo)
	eventJSON, _ := json.Marshal(event)

	a.logger.Info("Estimate restored from snapshot",
		zap.String("event_json", string(eventJSON)),
		zap.String("org_id", orgID.String()),
		zap.String("estimate_id", details.EstimateID.String()),
		zap.String("snapshot_id", details.SnapshotID.String()),
		zap.String("user_id", event.UserID),
		zap.String("severity", SeverityInfo),
	)
}

func (a *SecurityAuditor) event(ctx context.Context, eventType SecurityEventType, orgID uuid.UUID, details any, severity string) SecurityEvent {
	return SecurityEvent{
		Timestamp:      time.Now().UTC(),
		EventType:      eventType,
		OrganizationID: orgID,
		UserID:         auth.GetUserIDFromContext(ctx),
		Details:        details,
		Severity:       severity,
	}
}
