package models

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestProvenanceSource_IsValid(t *testing.T) {
	tests := []struct {
		source   ProvenanceSource
		expected bool
	}{
		{SourceManual, true},
		{SourceImport, true},
		{SourceSystem, true},
		{ProvenanceSource("mcp"), false},
		{ProvenanceSource(""), false},
	}

	for _, tt := range tests {
		name := string(tt.source)
		if name == "" {
			name = "empty"
		}
		t.Run(name, func(t *testing.T) {
			if got := tt.source.IsValid(); got != tt.expected {
				t.Errorf("ProvenanceSource.IsValid() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestWithProvenance_And_GetProvenance(t *testing.T) {
	actorID := uuid.New()

	ctx := WithManualProvenance(context.Background(), actorID)
	p, ok := GetProvenance(ctx)
	if !ok {
		t.Fatal("expected provenance in context")
	}
	if p.Source != SourceManual || p.ActorID != actorID {
		t.Errorf("got %+v", p)
	}
	if got := p.ActorPtr(); got == nil || *got != actorID {
		t.Errorf("ActorPtr() = %v, want %v", got, actorID)
	}

	if _, ok := GetProvenance(context.Background()); ok {
		t.Error("expected no provenance in empty context")
	}
}

func TestProvenanceOrSystem(t *testing.T) {
	p := ProvenanceOrSystem(context.Background())
	if p.Source != SourceSystem {
		t.Errorf("Source = %q, want system", p.Source)
	}
	if p.ActorPtr() != nil {
		t.Error("system provenance should have no actor")
	}

	actorID := uuid.New()
	p = ProvenanceOrSystem(WithImportProvenance(context.Background(), actorID))
	if p.Source != SourceImport || p.ActorID != actorID {
		t.Errorf("got %+v", p)
	}
}
