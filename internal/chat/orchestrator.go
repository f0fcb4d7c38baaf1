// Package chat runs the streaming question-answer pipeline: tenant checks,
// transcript assembly, budget enforcement before, during, and after the
// stream, and the SSE bridge over the RAG client's blocking generator.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/Sapphire-Bridge/rag-foundation/internal/config"
	"github.com/Sapphire-Bridge/rag-foundation/internal/cost"
	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
	"github.com/Sapphire-Bridge/rag-foundation/internal/rag"
)

var (
	ErrStoreNotFound   = errors.New("store not found")
	ErrRateLimited     = errors.New("chat rate limit exceeded")
	ErrBudgetExhausted = errors.New("monthly budget exhausted")
)

// ValidationError marks caller mistakes that map to a 400 response.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

const (
	semAcquireTimeout = 2 * time.Second
	chunkQueueCap     = 20
	consumerPoll      = 100 * time.Millisecond
	backpressureWait  = 5 * time.Second
)

type StoreSource interface {
	GetActiveOwned(ctx context.Context, id, userID uint) (*model.Store, error)
}

type HistoryStore interface {
	TouchSession(ctx context.Context, session *model.ChatSession) error
	RecentHistory(ctx context.Context, userID uint, sessionID string, limit int) ([]model.ChatHistory, error)
	AppendHistory(ctx context.Context, rows ...*model.ChatHistory) error
}

type QueryLogWriter interface {
	Create(ctx context.Context, entry *model.QueryLog) error
}

// RateLimiter gates per-user chat frequency.
type RateLimiter interface {
	Allow(ctx context.Context, userID uint) (bool, error)
}

// Request is one chat turn as received from the transport layer.
type Request struct {
	UserID         uint
	SessionID      string
	Question       string
	Messages       []Turn
	StoreIDs       []uint
	Model          string
	MetadataFilter map[string]any
}

// Prepared is the outcome of the pre-stream phase: everything the streaming
// phase needs, resolved and validated.
type Prepared struct {
	UserID     uint
	SessionID  string
	Question   string
	Prompt     string
	Model      string
	StoreNames []string
	StoreID    *uint
	Filter     map[string]any

	promptTokens  int64
	budgetLimited bool
	remaining     decimal.Decimal
}

type Orchestrator struct {
	stores  StoreSource
	history HistoryStore
	logs    QueryLogWriter
	engine  *cost.Engine
	client  rag.Client
	limiter RateLimiter
	sem     *semaphore.Weighted
	cfg     config.ChatConfig
	hold    decimal.Decimal
	retries int
	log     zerolog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	bpWait time.Duration
}

type OrchestratorOptions struct {
	Stores        StoreSource
	History       HistoryStore
	Logs          QueryLogWriter
	Engine        *cost.Engine
	Client        rag.Client
	Limiter       RateLimiter
	Semaphore     *semaphore.Weighted
	Config        config.ChatConfig
	BudgetHoldUSD float64
	StreamRetries int
	Logger        zerolog.Logger
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	sem := opts.Semaphore
	if sem == nil {
		streams := opts.Config.MaxConcurrentStreams
		if streams <= 0 {
			streams = 50
		}
		sem = semaphore.NewWeighted(streams)
	}
	return &Orchestrator{
		stores:  opts.Stores,
		history: opts.History,
		logs:    opts.Logs,
		engine:  opts.Engine,
		client:  opts.Client,
		limiter: opts.Limiter,
		sem:     sem,
		cfg:     opts.Config,
		hold:    decimal.NewFromFloat(opts.BudgetHoldUSD),
		retries: opts.StreamRetries,
		log:     opts.Logger,
		now:     time.Now,
		sleep:   sleepCtx,
		bpWait:  backpressureWait,
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

// Prepare runs the synchronous pre-stream phase. All returned errors map to
// an HTTP status: ValidationError to 400, ErrStoreNotFound to 404,
// ErrRateLimited to 429, ErrBudgetExhausted to 402.
func (o *Orchestrator) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	if !o.engine.PricingConfigured() {
		return nil, errors.New("model pricing is not configured")
	}
	if len(req.StoreIDs) == 0 {
		return nil, &ValidationError{Reason: "at least one store id is required"}
	}
	storeNames := make([]string, 0, len(req.StoreIDs))
	var firstStoreID *uint
	for _, id := range req.StoreIDs {
		store, err := o.stores.GetActiveOwned(ctx, id, req.UserID)
		if err != nil {
			return nil, err
		}
		if store == nil {
			// Cross-tenant and nonexistent ids are indistinguishable.
			return nil, ErrStoreNotFound
		}
		if firstStoreID == nil {
			storeID := store.ID
			firstStoreID = &storeID
		}
		storeNames = append(storeNames, store.FSName)
	}

	sessionID := NormalizeSessionID(req.SessionID)
	history, err := o.history.RecentHistory(ctx, req.UserID, sessionID, o.cfg.MaxHistoryRows)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("history load failed, continuing without it")
		history = nil
	}
	transcript, question := BuildTranscript(history, req.Messages, req.Question,
		o.cfg.MaxTranscriptTurns, o.cfg.MaxTranscriptChars)

	if err := ValidateQuestion(question, o.cfg.MaxQuestionLength); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	modelName, err := ValidateModel(req.Model, o.cfg.DefaultModel, o.cfg.AllowedModels)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	filter, err := ValidateMetadataFilter(req.MetadataFilter, o.cfg.AllowMetadataFilters, o.cfg.MetadataFilterKeys)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	if o.limiter != nil {
		allowed, err := o.limiter.Allow(ctx, req.UserID)
		if err != nil {
			o.log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
		} else if !allowed {
			return nil, ErrRateLimited
		}
	}

	prompt := RenderPrompt(transcript, question)
	promptTokens := cost.EstimateTokensFromText(prompt)

	prepared := &Prepared{
		UserID:       req.UserID,
		SessionID:    sessionID,
		Question:     question,
		Prompt:       prompt,
		Model:        modelName,
		StoreNames:   storeNames,
		StoreID:      firstStoreID,
		Filter:       filter,
		promptTokens: promptTokens,
	}
	if err := o.precheckBudget(ctx, prepared); err != nil {
		return nil, err
	}

	o.recordUserTurn(ctx, prepared)
	return prepared, nil
}

func (o *Orchestrator) precheckBudget(ctx context.Context, p *Prepared) error {
	o.engine.AcquireBudgetLock(ctx, p.UserID)
	limit, ok, err := o.engine.UserBudget(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("budget lookup failed: %w", err)
	}
	if !ok {
		return nil
	}
	spend, err := o.engine.MonthToDateSpend(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("month-to-date spend lookup failed: %w", err)
	}
	remaining := limit.Sub(spend).Sub(o.hold)
	if !remaining.IsPositive() {
		return ErrBudgetExhausted
	}
	promptCost := o.engine.CalcQueryCost(p.Model, p.promptTokens, 0).Total
	if promptCost.GreaterThan(remaining) {
		return ErrBudgetExhausted
	}
	p.budgetLimited = true
	p.remaining = remaining
	return nil
}

// recordUserTurn persists the user's message and touches the session. Both
// are telemetry-grade: failures log and the request proceeds.
func (o *Orchestrator) recordUserTurn(ctx context.Context, p *Prepared) {
	session := &model.ChatSession{
		ID:        p.SessionID,
		UserID:    p.UserID,
		StoreID:   p.StoreID,
		Title:     DeriveTitle(p.Question),
		UpdatedAt: o.now(),
	}
	if err := o.history.TouchSession(ctx, session); err != nil {
		o.log.Warn().Err(err).Str("session_id", p.SessionID).Msg("session touch failed")
	}
	row := &model.ChatHistory{
		UserID:    p.UserID,
		StoreID:   p.StoreID,
		SessionID: p.SessionID,
		Role:      "user",
		Content:   p.Question,
	}
	if err := o.history.AppendHistory(ctx, row); err != nil {
		o.log.Warn().Err(err).Str("session_id", p.SessionID).Msg("user turn persist failed")
	}
}

// streamState accumulates across attempts within one Stream call.
type streamState struct {
	text        strings.Builder
	textStarted bool
	usage       *rag.Usage
	citations   []rag.Citation
}

var (
	errMidStreamBudget = errors.New("budget exceeded mid-stream")
	errBackpressure    = errors.New("chunk queue backpressure")
	errDisconnect      = errors.New("client disconnected")
)

// Stream runs the streaming phase. Every exit path, success or failure,
// finishes with the [DONE] sentinel; only transport write failures (the
// client is gone) skip it.
func (o *Orchestrator) Stream(ctx context.Context, p *Prepared, w FrameWriter) {
	defer func() {
		if err := w.Done(); err != nil {
			o.log.Debug().Err(err).Msg("sentinel write failed, client likely gone")
		}
	}()

	acqCtx, cancel := context.WithTimeout(ctx, semAcquireTimeout)
	err := o.sem.Acquire(acqCtx, 1)
	cancel()
	if err != nil {
		o.writeFrame(w, errorFrame(CodeCapacityExceeded, "too many concurrent chats, try again shortly"))
		o.logErrorCost(p, CodeCapacityExceeded)
		return
	}
	defer o.sem.Release(1)

	if err := w.WriteFrame(startFrame(p.SessionID)); err != nil {
		return
	}

	state := &streamState{}
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		err := o.runAttempt(ctx, p, w, state)
		switch {
		// Cancellation wins over a clean queue close; both can be ready when
		// the producer shuts down because the client went away.
		case errors.Is(err, errDisconnect) || ctx.Err() != nil:
			o.log.Info().Str("session_id", p.SessionID).Msg("chat stream canceled by client")
			return
		case err == nil:
			o.finish(ctx, p, w, state)
			return
		case errors.Is(err, errMidStreamBudget):
			o.writeFrame(w, errorFrame(CodeBudgetExceeded, "monthly budget exceeded"))
			o.logErrorCost(p, CodeBudgetExceeded)
			return
		case errors.Is(err, errBackpressure):
			o.writeFrame(w, errorFrame(CodeBackpressure, "response consumer too slow, stream aborted"))
			o.logErrorCost(p, CodeBackpressure)
			return
		case rag.IsRetryable(err) && state.text.Len() == 0 && attempt < o.retries:
			o.log.Warn().Err(err).Int("attempt", attempt+1).Msg("retrying chat stream")
			if o.sleep(ctx, backoff) != nil {
				return
			}
			backoff *= 2
		case rag.IsRetryable(err):
			o.log.Error().Err(err).Str("session_id", p.SessionID).Msg("upstream unavailable")
			o.writeFrame(w, errorFrame(CodeUpstreamUnavailable, "the answer service is temporarily unavailable"))
			o.logErrorCost(p, CodeUpstreamUnavailable)
			return
		default:
			o.log.Error().Err(err).Str("session_id", p.SessionID).Msg("chat stream failed")
			o.writeFrame(w, errorFrame(CodeInternalError, "an unexpected error occurred"))
			o.logErrorCost(p, CodeInternalError)
			return
		}
	}
}

type chunkItem struct {
	chunk rag.Chunk
	err   error
}

// runAttempt bridges one blocking generator run onto the SSE response. The
// producer goroutine pushes chunks through a bounded queue; the consumer
// polls with a short timeout so it can notice disconnects and emit
// keepalives while the model is thinking.
func (o *Orchestrator) runAttempt(ctx context.Context, p *Prepared, w FrameWriter, state *streamState) error {
	// A retried attempt restarts the upstream stream from the beginning, so
	// citations and usage collected by the failed attempt must not carry over.
	// Retries only happen before any text was emitted, so the builder is empty.
	state.usage = nil
	state.citations = nil

	prodCtx, cancelProducer := context.WithCancel(ctx)
	defer cancelProducer()

	queue := make(chan chunkItem, chunkQueueCap)
	var backpressure atomic.Bool
	go func() {
		defer close(queue)
		for chunk, err := range o.client.AskStream(prodCtx, rag.AskRequest{
			Question:       p.Prompt,
			StoreNames:     p.StoreNames,
			MetadataFilter: p.Filter,
			Model:          p.Model,
		}) {
			timer := time.NewTimer(o.bpWait)
			select {
			case queue <- chunkItem{chunk: chunk, err: err}:
				timer.Stop()
			case <-prodCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				backpressure.Store(true)
				return
			}
			if err != nil {
				return
			}
		}
	}()

	keepalive := time.Duration(o.cfg.KeepaliveSeconds * float64(time.Second))
	lastWrite := o.now()
	for {
		select {
		case item, ok := <-queue:
			if !ok {
				if backpressure.Load() {
					return errBackpressure
				}
				return nil
			}
			if item.err != nil {
				return item.err
			}
			if err := o.consumeChunk(p, w, state, item.chunk); err != nil {
				return err
			}
			lastWrite = o.now()
		case <-ctx.Done():
			return errDisconnect
		case <-time.After(consumerPoll):
			if keepalive > 0 && o.now().Sub(lastWrite) >= keepalive {
				if err := w.WriteComment(keepaliveComment(o.now())); err != nil {
					return errDisconnect
				}
				lastWrite = o.now()
			}
		}
	}
}

func (o *Orchestrator) consumeChunk(p *Prepared, w FrameWriter, state *streamState, chunk rag.Chunk) error {
	if chunk.Usage != nil {
		state.usage = chunk.Usage
	}
	if len(chunk.Citations) > 0 {
		state.citations = append(state.citations, chunk.Citations...)
	}
	if chunk.Text == "" {
		return nil
	}

	state.text.WriteString(chunk.Text)
	if p.budgetLimited {
		estCompletion := cost.EstimateTokensFromText(state.text.String())
		projected := o.engine.CalcQueryCost(p.Model, p.promptTokens, estCompletion).Total
		if projected.GreaterThan(p.remaining) {
			return errMidStreamBudget
		}
	}

	if !state.textStarted {
		if err := w.WriteFrame(textStartFrame()); err != nil {
			return errDisconnect
		}
		state.textStarted = true
	}
	if err := w.WriteFrame(textDeltaFrame(chunk.Text)); err != nil {
		return errDisconnect
	}
	return nil
}

// finish handles the clean-completion path: citations, definitive cost,
// post-hoc budget check, history persistence, and the finish frame.
func (o *Orchestrator) finish(ctx context.Context, p *Prepared, w FrameWriter, state *streamState) {
	if state.textStarted {
		o.writeFrame(w, textEndFrame())
	}
	for _, citation := range state.citations {
		o.writeFrame(w, sourceFrame(citation))
	}

	promptTokens, completionTokens := p.promptTokens, cost.EstimateTokensFromText(state.text.String())
	if state.usage != nil {
		promptTokens = state.usage.PromptTokens
		completionTokens = state.usage.CompletionTokens
	}
	queryCost := o.engine.CalcQueryCost(p.Model, promptTokens, completionTokens)

	entry := &model.QueryLog{
		UserID:           p.UserID,
		StoreID:          p.StoreID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          queryCost.Total,
		Model:            p.Model,
	}
	if err := o.logs.Create(ctx, entry); err != nil {
		o.log.Error().Err(err).Str("session_id", p.SessionID).Msg("query cost persist failed")
	}

	// The text already went out, but the caller still has to learn the turn
	// pushed them over the limit.
	if p.budgetLimited {
		exceeded, err := o.engine.WouldExceedBudget(ctx, p.UserID, decimal.Zero)
		if err != nil {
			o.log.Warn().Err(err).Msg("post-stream budget check failed")
		} else if exceeded {
			o.writeFrame(w, errorFrame(CodeBudgetExceeded, "this response exceeded your monthly budget"))
		}
	}

	if answer := state.text.String(); answer != "" {
		row := &model.ChatHistory{
			UserID:    p.UserID,
			StoreID:   p.StoreID,
			SessionID: p.SessionID,
			Role:      "assistant",
			Content:   answer,
		}
		if err := o.history.AppendHistory(ctx, row); err != nil {
			o.log.Warn().Err(err).Str("session_id", p.SessionID).Msg("assistant turn persist failed")
		}
	}

	o.writeFrame(w, finishFrame(FrameUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}, queryCost.Total))
}

// logErrorCost writes a zero-cost ledger row tagged with the error code so
// failures are visible in usage reporting.
func (o *Orchestrator) logErrorCost(p *Prepared, code string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := &model.QueryLog{
		UserID:    p.UserID,
		StoreID:   p.StoreID,
		Model:     p.Model,
		CostUSD:   decimal.Zero,
		ErrorCode: code,
	}
	if err := o.logs.Create(ctx, entry); err != nil {
		o.log.Warn().Err(err).Str("code", code).Msg("error cost log failed")
	}
}

func (o *Orchestrator) writeFrame(w FrameWriter, frame Frame) {
	if err := w.WriteFrame(frame); err != nil {
		o.log.Debug().Err(err).Msg("frame write failed, client likely gone")
	}
}
