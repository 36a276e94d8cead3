// Package models contains domain types for the costing engine.
package models

import (
	"context"

	"github.com/google/uuid"
)

// ProvenanceSource represents how an estimate change was performed.
type ProvenanceSource string

const (
	SourceManual ProvenanceSource = "manual" // Direct edit through the API
	SourceImport ProvenanceSource = "import" // Committed by an import session
	SourceSystem ProvenanceSource = "system" // Scheduler, integrity repair, restore
)

// String returns the string representation of a ProvenanceSource.
func (s ProvenanceSource) String() string {
	return string(s)
}

// IsValid returns true if the source is a valid provenance source.
func (s ProvenanceSource) IsValid() bool {
	switch s {
	case SourceManual, SourceImport, SourceSystem:
		return true
	default:
		return false
	}
}

// ProvenanceContext carries source and actor information through operations.
// The engine does not authenticate actors, it only records them.
type ProvenanceContext struct {
	Source ProvenanceSource

	// ActorID is the user who triggered the operation. Zero for system operations.
	ActorID uuid.UUID
}

// ActorPtr returns the actor as a nullable value for persistence.
func (p ProvenanceContext) ActorPtr() *uuid.UUID {
	if p.ActorID == uuid.Nil {
		return nil
	}
	id := p.ActorID
	return &id
}

type provenanceKey struct{}

// WithProvenance returns a new context with provenance information attached.
func WithProvenance(ctx context.Context, p ProvenanceContext) context.Context {
	return context.WithValue(ctx, provenanceKey{}, p)
}

// GetProvenance retrieves provenance information from the context.
// Returns the provenance context and true if present, otherwise a zero value and false.
func GetProvenance(ctx context.Context) (ProvenanceContext, bool) {
	p, ok := ctx.Value(provenanceKey{}).(ProvenanceContext)
	return p, ok
}

// ProvenanceOrSystem returns the provenance from ctx, or system provenance if none is set.
func ProvenanceOrSystem(ctx context.Context) ProvenanceContext {
	if p, ok := GetProvenance(ctx); ok {
		return p
	}
	return ProvenanceContext{Source: SourceSystem}
}

// WithManualProvenance returns a context with manual (API) provenance set.
func WithManualProvenance(ctx context.Context, actorID uuid.UUID) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceManual, ActorID: actorID})
}

// WithImportProvenance returns a context with import provenance set.
// actorID is the user who started the import session.
func WithImportProvenance(ctx context.Context, actorID uuid.UUID) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceImport, ActorID: actorID})
}

// WithSystemProvenance returns a context with system provenance set.
func WithSystemProvenance(ctx context.Context) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceSystem})
}
