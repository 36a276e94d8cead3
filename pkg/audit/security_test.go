package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/costing-engine/pkg/auth"
)

func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, recorded := observer.New(zapcore.DebugLevel)
	return zap.New(core), recorded
}

func contextWithUser(orgID uuid.UUID, subject string) context.Context {
	claims := &auth.Claims{OrganizationID: orgID.String()}
	claims.Subject = subject
	return context.WithValue(context.Background(), auth.ClaimsKey, claims)
}

func TestLogCrossTenantReference(t *testing.T) {
	orgID := uuid.New()
	collectionID := uuid.New()

	tests := []struct {
		name     string
		ctx      context.Context
		wantUser string
	}{
		{name: "with user context", ctx: contextWithUser(orgID, "user-123"), wantUser: "user-123"},
		{name: "without user context", ctx: context.Background(), wantUser: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, recorded := setupTestLogger(t)
			auditor := NewSecurityAuditor(logger)

			auditor.LogCrossTenantReference(tt.ctx, orgID, CrossTenantDetails{
				ResourceType: "rate_collection",
				ResourceID:   collectionID,
			})

			entries := recorded.All()
			require.Len(t, entries, 1)
			entry := entries[0]
			assert.Equal(t, zapcore.ErrorLevel, entry.Level)
			assert.Equal(t, "security_audit", entry.LoggerName)

			fields := entry.ContextMap()
			assert.Equal(t, orgID.String(), fields["org_id"])
			assert.Equal(t, "rate_collection", fields["resource_type"])
			assert.Equal(t, tt.wantUser, fields["user_id"])
			assert.Equal(t, SeverityCritical, fields["severity"])

			var event SecurityEvent
			require.NoError(t, json.Unmarshal([]byte(fields["event_json"].(string)), &event))
			assert.Equal(t, EventCrossTenantReference, event.EventType)
			assert.Equal(t, orgID, event.OrganizationID)
		})
	}
}

func TestLogSnapshotRestore(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	orgID, estimateID, snapshotID := uuid.New(), uuid.New(), uuid.New()
	auditor.LogSnapshotRestore(contextWithUser(orgID, "estimator-7"), orgID, RestoreDetails{
		EstimateID: estimateID,
		SnapshotID: snapshotID,
	})

	require.Equal(t, 1, recorded.Len())
	entry := recorded.All()[0]
	assert.Equal(t, zapcore.InfoLevel, entry.Level)

	fields := entry.ContextMap()
	assert.Equal(t, estimateID.String(), fields["estimate_id"])
	assert.Equal(t, snapshotID.String(), fields["snapshot_id"])
	assert.Equal(t, "estimator-7", fields["user_id"])

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(fields["event_json"].(string)), &raw))
	assert.Equal(t, "snapshot_restore", raw["event_type"])
	assert.Equal(t, "info", raw["severity"])
	details := raw["details"].(map[string]any)
	assert.Equal(t, snapshotID.String(), details["snapshot_id"])
}
