// Package ingest drives document indexing jobs from queue delivery to a
// terminal DONE or ERROR status, including remote upload, operation polling,
// and index cost accounting.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sapphire-Bridge/rag-foundation/internal/cost"
	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
	"github.com/Sapphire-Bridge/rag-foundation/internal/rag"
)

// Job is the queue payload for one ingestion attempt.
type Job struct {
	StoreID    uint   `json:"store_id"`
	DocumentID uint   `json:"document_id"`
	LocalPath  string `json:"local_path"`
	MimeType   string `json:"mime_type"`
}

// ErrSkip marks a delivery that needs no work: the consumer acks it without
// touching the document.
var ErrSkip = errors.New("ingest: nothing to do")

// DocumentStore is the persistence surface the runner needs.
type DocumentStore interface {
	GetByID(ctx context.Context, id uint) (*model.Document, error)
	Save(ctx context.Context, doc *model.Document) error
	UpdateStatus(ctx context.Context, id uint, fromStatus, toStatus model.DocumentStatus, now time.Time) (bool, error)
}

// StoreSource resolves the owning store of a document.
type StoreSource interface {
	GetByID(ctx context.Context, id uint) (*model.Store, error)
}

// QueryLogWriter records index cost entries.
type QueryLogWriter interface {
	Create(ctx context.Context, entry *model.QueryLog) error
}

// entryAction is what the guard table decides for an incoming delivery.
type entryAction int

const (
	// actionSkip acks the delivery without touching the document.
	actionSkip entryAction = iota
	// actionHeartbeat acks the delivery after refreshing the status
	// timestamp; another worker owns or has finished the upload.
	actionHeartbeat
	// actionRun claims the document and performs the ingestion.
	actionRun
)

// decideEntry maps the document's current state to an action:
//
//	missing or soft-deleted            skip
//	DONE, no operation handle          skip (already finished)
//	handle present, RUNNING or DONE    heartbeat (upload owned elsewhere)
//	RUNNING, no handle                 skip (claim raced by another worker)
//	PENDING or ERROR                   run
func decideEntry(doc *model.Document) (entryAction, string) {
	if doc == nil {
		return actionSkip, "document not found"
	}
	if doc.DeletedAt != nil {
		return actionSkip, "document deleted"
	}
	if doc.Status == model.DocumentDone && doc.OpName == "" {
		return actionSkip, "already done"
	}
	if doc.OpName != "" && (doc.Status == model.DocumentRunning || doc.Status == model.DocumentDone) {
		return actionHeartbeat, "upload already owned"
	}
	if doc.Status == model.DocumentRunning {
		return actionSkip, "already running"
	}
	return actionRun, ""
}

// Runner executes ingestion jobs. The clock and sleep hooks exist so tests
// can drive the poll loop without waiting.
type Runner struct {
	docs   DocumentStore
	stores StoreSource
	client rag.Client
	engine *cost.Engine
	logs   QueryLogWriter
	log    zerolog.Logger

	ingestTimeout time.Duration
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	jitter        func(max time.Duration) time.Duration
}

type RunnerOptions struct {
	Docs          DocumentStore
	Stores        StoreSource
	Client        rag.Client
	Engine        *cost.Engine
	Logs          QueryLogWriter
	Logger        zerolog.Logger
	IngestTimeout time.Duration
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.IngestTimeout <= 0 {
		opts.IngestTimeout = 180 * time.Second
	}
	return &Runner{
		docs:          opts.Docs,
		stores:        opts.Stores,
		client:        opts.Client,
		engine:        opts.Engine,
		logs:          opts.Logs,
		log:           opts.Logger,
		ingestTimeout: opts.IngestTimeout,
		now:           time.Now,
		sleep:         sleepCtx,
		jitter:        randomJitter,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run processes one job. A nil return or ErrSkip means the delivery is done
// with; any other error is an infrastructure failure the consumer should
// redeliver.
func (r *Runner) Run(ctx context.Context, job Job) error {
	defer r.removeLocal(job.LocalPath)

	doc, err := r.docs.GetByID(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	action, reason := decideEntry(doc)
	switch action {
	case actionSkip:
		r.log.Info().Uint("document_id", job.DocumentID).Str("reason", reason).Msg("skipping ingest job")
		return ErrSkip
	case actionHeartbeat:
		doc.TouchStatus(r.now())
		if err := r.docs.Save(ctx, doc); err != nil {
			return err
		}
		r.log.Info().Uint("document_id", doc.ID).Str("reason", reason).Msg("skipping ingest job")
		return ErrSkip
	}

	// Validate the store before claiming: a document whose store vanished must
	// go straight to ERROR without ever entering RUNNING.
	store, err := r.stores.GetByID(ctx, job.StoreID)
	if err != nil {
		return err
	}
	if store == nil || store.DeletedAt != nil || store.ID != doc.StoreID {
		return r.fail(ctx, doc, "store missing or deleted")
	}

	claimed, err := r.docs.UpdateStatus(ctx, doc.ID, doc.Status, model.DocumentRunning, r.now())
	if err != nil {
		return err
	}
	if !claimed {
		r.log.Info().Uint("document_id", doc.ID).Msg("ingest job claimed elsewhere")
		return ErrSkip
	}
	doc.SetStatus(model.DocumentRunning, r.now())
	doc.LastError = ""
	if err := r.docs.Save(ctx, doc); err != nil {
		return err
	}

	// Upload only when no operation handle is recorded; a handle left over
	// from a failed attempt means the remote upload already happened.
	if doc.OpName == "" {
		result, err := r.client.UploadFile(ctx, store.FSName, job.LocalPath, doc.DisplayName)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return r.fail(ctx, doc, SanitizeError(err.Error()))
		}
		doc.OpName = TruncateHandle(result.OperationName)
		doc.RemoteFileID = TruncateHandle(result.FileID)
		if doc.OpName != "" && doc.RemoteFileID == "" {
			// One recovery poll, since some responses omit the file id.
			if status, err := r.client.OperationStatus(ctx, doc.OpName); err == nil && status.FileID != "" {
				doc.RemoteFileID = TruncateHandle(status.FileID)
			} else {
				r.log.Info().Uint("document_id", doc.ID).Msg("remote file id unavailable, cleanup will be a no-op")
			}
		}
		doc.TouchStatus(r.now())
		if err := r.docs.Save(ctx, doc); err != nil {
			return err
		}
	}
	if doc.OpName == "" {
		return r.fail(ctx, doc, "ingestion did not return an operation handle")
	}

	status, err := r.poll(ctx, doc)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.compensate(ctx, doc)
		return r.fail(ctx, doc, SanitizeError(err.Error()))
	}
	if status.Err != "" {
		r.compensate(ctx, doc)
		return r.fail(ctx, doc, SanitizeError(status.Err))
	}

	if status.FileID != "" {
		doc.RemoteFileID = TruncateHandle(status.FileID)
	}
	doc.SetStatus(model.DocumentDone, r.now())
	doc.LastError = ""
	if err := r.docs.Save(ctx, doc); err != nil {
		return err
	}
	r.log.Info().Uint("document_id", doc.ID).Str("file_id", doc.RemoteFileID).Msg("document indexed")

	r.logIndexCost(store.UserID, doc, job)
	return nil
}

// poll waits for the upload operation to finish. Intervals start at 2s and
// grow by 1.5x up to 20s, each with up to 1.5s of jitter, until the overall
// ingest timeout elapses.
func (r *Runner) poll(ctx context.Context, doc *model.Document) (rag.OperationStatus, error) {
	deadline := r.now().Add(r.ingestTimeout)
	interval := 2 * time.Second
	for {
		status, err := r.client.OperationStatus(ctx, doc.OpName)
		if err != nil {
			if !rag.IsRetryable(err) {
				return rag.OperationStatus{}, err
			}
			r.log.Warn().Uint("document_id", doc.ID).Err(err).Msg("operation poll failed, retrying")
		} else if status.Done {
			return status, nil
		}

		doc.TouchStatus(r.now())
		if err := r.docs.Save(ctx, doc); err != nil {
			return rag.OperationStatus{}, err
		}

		if r.now().After(deadline) {
			return rag.OperationStatus{}, fmt.Errorf("indexing timed out after %s", r.ingestTimeout)
		}
		if err := r.sleep(ctx, interval+r.jitter(1500*time.Millisecond)); err != nil {
			return rag.OperationStatus{}, err
		}
		interval = interval * 3 / 2
		if interval > 20*time.Second {
			interval = 20 * time.Second
		}
	}
}

// compensate best-effort deletes the remote file so a failed document does
// not leave half-indexed content answering queries.
func (r *Runner) compensate(ctx context.Context, doc *model.Document) {
	if doc.RemoteFileID == "" {
		return
	}
	if err := r.client.DeleteFile(ctx, doc.RemoteFileID); err != nil {
		r.log.Warn().Uint("document_id", doc.ID).Str("file_id", doc.RemoteFileID).Err(err).
			Msg("compensating remote delete failed")
		return
	}
	r.log.Info().Uint("document_id", doc.ID).Str("file_id", doc.RemoteFileID).
		Msg("removed remote file after failed ingest")
}

// fail records a terminal ERROR status. The returned error is always nil or
// a persistence failure, so callers can return it directly.
func (r *Runner) fail(ctx context.Context, doc *model.Document, message string) error {
	doc.SetStatus(model.DocumentError, r.now())
	doc.LastError = message
	if err := r.docs.Save(ctx, doc); err != nil {
		return err
	}
	r.log.Warn().Uint("document_id", doc.ID).Str("error", message).Msg("document ingest failed")
	return nil
}

// logIndexCost writes the indexing charge. Failures here must not undo a
// successful ingest, so they only log.
func (r *Runner) logIndexCost(userID uint, doc *model.Document, job Job) {
	if r.engine == nil || r.logs == nil || !r.engine.PricingConfigured() {
		return
	}
	tokens := cost.EstimateTokensFromBytes(doc.SizeBytes, job.MimeType)
	indexCost := r.engine.CalcIndexCost(tokens, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entry := &model.QueryLog{
		UserID:       userID,
		StoreID:      &doc.StoreID,
		PromptTokens: tokens,
		CostUSD:      indexCost,
		Model:        model.IndexModel,
	}
	if err := r.logs.Create(ctx, entry); err != nil {
		r.log.Warn().Uint("document_id", doc.ID).Err(err).Msg("index cost logging failed")
	}
}

func (r *Runner) removeLocal(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.log.Warn().Str("path", path).Err(err).Msg("temp file cleanup failed")
	}
}
