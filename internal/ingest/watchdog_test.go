package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
)

type fakeStaleLister struct {
	cutoff time.Time
	stale  []model.Document
	saved  []*model.Document
}

func (f *fakeStaleLister) ListStaleRunning(_ context.Context, cutoff time.Time) ([]model.Document, error) {
	f.cutoff = cutoff
	out := make([]model.Document, 0, len(f.stale))
	for _, doc := range f.stale {
		if doc.StatusUpdatedAt.Before(cutoff) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *fakeStaleLister) Save(_ context.Context, doc *model.Document) error {
	copied := *doc
	f.saved = append(f.saved, &copied)
	return nil
}

func TestSweepReclaimsStaleRunning(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	lister := &fakeStaleLister{stale: []model.Document{
		{ID: 1, Status: model.DocumentRunning, OpName: "operations/old",
			StatusUpdatedAt: now.Add(-2 * time.Hour)},
	}}
	w := NewWatchdog(lister, time.Hour, zerolog.Nop())
	w.now = func() time.Time { return now }

	reclaimed, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}
	if got, want := lister.cutoff, now.Add(-time.Hour); !got.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", got, want)
	}

	doc := lister.saved[0]
	if doc.Status != model.DocumentError {
		t.Fatalf("status = %s, want ERROR", doc.Status)
	}
	if doc.OpName != "" {
		t.Fatal("stale operation handle must be cleared")
	}
	if doc.LastError == "" {
		t.Fatal("reclaimed document must carry an error message")
	}
}

func TestSweepTTLBoundary(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	w := NewWatchdog(nil, time.Hour, zerolog.Nop())
	w.now = func() time.Time { return now }

	// Exactly at the boundary stays; one second past is reclaimed.
	atBoundary := &fakeStaleLister{stale: []model.Document{
		{ID: 1, Status: model.DocumentRunning, StatusUpdatedAt: now.Add(-time.Hour)},
	}}
	w.docs = atBoundary
	reclaimed, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if reclaimed != 0 {
		t.Fatal("a document exactly at the TTL boundary must not be reclaimed")
	}

	pastBoundary := &fakeStaleLister{stale: []model.Document{
		{ID: 2, Status: model.DocumentRunning, StatusUpdatedAt: now.Add(-time.Hour - time.Second)},
	}}
	w.docs = pastBoundary
	reclaimed, err = w.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatal("a document past the TTL boundary must be reclaimed")
	}
}
