package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
)

// StaleLister finds RUNNING documents whose last status update predates a
// cutoff.
type StaleLister interface {
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]model.Document, error)
	Save(ctx context.Context, doc *model.Document) error
}

// Watchdog reclaims documents stuck in RUNNING after a worker crash. Stale
// documents are moved to ERROR so their failure is visible; retrying is an
// explicit operator action.
type Watchdog struct {
	docs StaleLister
	ttl  time.Duration
	log  zerolog.Logger
	now  func() time.Time
}

func NewWatchdog(docs StaleLister, ttl time.Duration, log zerolog.Logger) *Watchdog {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Watchdog{docs: docs, ttl: ttl, log: log, now: time.Now}
}

// Sweep performs one pass. A document is stale when its status timestamp is
// strictly older than now minus the TTL.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.ttl)
	stale, err := w.docs.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for i := range stale {
		doc := &stale[i]
		doc.SetStatus(model.DocumentError, w.now())
		doc.LastError = "ingestion stalled and was reclaimed"
		doc.OpName = ""
		if err := w.docs.Save(ctx, doc); err != nil {
			w.log.Warn().Uint("document_id", doc.ID).Err(err).Msg("watchdog reclaim failed")
			continue
		}
		reclaimed++
		w.log.Warn().Uint("document_id", doc.ID).Msg("reclaimed stalled document")
	}
	return reclaimed, nil
}

// Start runs Sweep on the given interval until the context ends.
func (w *Watchdog) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.log.Error().Err(err).Msg("watchdog sweep failed")
			}
		}
	}
}
