package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/Sapphire-Bridge/rag-foundation/internal/config"
	"github.com/Sapphire-Bridge/rag-foundation/internal/cost"
	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
	"github.com/Sapphire-Bridge/rag-foundation/internal/rag"
)

type frameRecorder struct {
	frames   []Frame
	comments []string
	done     int
}

func (r *frameRecorder) WriteFrame(f Frame) error    { r.frames = append(r.frames, f); return nil }
func (r *frameRecorder) WriteComment(s string) error { r.comments = append(r.comments, s); return nil }
func (r *frameRecorder) Done() error                 { r.done++; return nil }

func (r *frameRecorder) byType(t string) []Frame {
	var out []Frame
	for _, f := range r.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type fakeStoreSource struct {
	stores map[uint]*model.Store
}

func (f *fakeStoreSource) GetActiveOwned(_ context.Context, id, userID uint) (*model.Store, error) {
	store, ok := f.stores[id]
	if !ok || store.UserID != userID {
		return nil, nil
	}
	return store, nil
}

type fakeHistoryStore struct {
	recent   []model.ChatHistory
	sessions []*model.ChatSession
	appended []*model.ChatHistory
}

func (f *fakeHistoryStore) TouchSession(_ context.Context, session *model.ChatSession) error {
	f.sessions = append(f.sessions, session)
	return nil
}

func (f *fakeHistoryStore) RecentHistory(_ context.Context, _ uint, _ string, _ int) ([]model.ChatHistory, error) {
	return f.recent, nil
}

func (f *fakeHistoryStore) AppendHistory(_ context.Context, rows ...*model.ChatHistory) error {
	f.appended = append(f.appended, rows...)
	return nil
}

type fakeLogWriter struct {
	entries []*model.QueryLog
}

func (f *fakeLogWriter) Create(_ context.Context, entry *model.QueryLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeRateLimiter struct {
	allowed bool
	calls   int
}

func (f *fakeRateLimiter) Allow(_ context.Context, _ uint) (bool, error) {
	f.calls++
	return f.allowed, nil
}

type fakeSpendLedger struct {
	spend decimal.Decimal
}

func (f *fakeSpendLedger) SumCostSince(_ context.Context, _ uint, _ time.Time) (decimal.Decimal, error) {
	return f.spend, nil
}

type fakeBudgetSource struct {
	limit decimal.Decimal
	has   bool
}

func (f *fakeBudgetSource) MonthlyLimit(_ context.Context, _ uint) (decimal.Decimal, bool, error) {
	return f.limit, f.has, nil
}

func (f *fakeBudgetSource) LockRow(_ context.Context, _ uint) error { return nil }

// scriptClient replays canned chunk sequences, one per AskStream call.
type scriptStep struct {
	chunk rag.Chunk
	err   error
}

type scriptClient struct {
	scripts  [][]scriptStep
	askCalls int
}

func (c *scriptClient) AskStream(_ context.Context, _ rag.AskRequest) iter.Seq2[rag.Chunk, error] {
	idx := c.askCalls
	c.askCalls++
	var steps []scriptStep
	if idx < len(c.scripts) {
		steps = c.scripts[idx]
	}
	return func(yield func(rag.Chunk, error) bool) {
		for _, step := range steps {
			if !yield(step.chunk, step.err) {
				return
			}
			if step.err != nil {
				return
			}
		}
	}
}

func (c *scriptClient) CreateStore(context.Context, string) (string, error) { return "", nil }
func (c *scriptClient) UploadFile(context.Context, string, string, string) (rag.UploadResult, error) {
	return rag.UploadResult{}, nil
}
func (c *scriptClient) OperationStatus(context.Context, string) (rag.OperationStatus, error) {
	return rag.OperationStatus{}, nil
}
func (c *scriptClient) DeleteStore(context.Context, string) error { return nil }
func (c *scriptClient) DeleteFile(context.Context, string) error  { return nil }

func fp(v float64) *float64 { return &v }

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		DefaultModel:       "gemini-2.5-flash",
		AllowedModels:      []string{"gemini-2.5-flash"},
		MaxQuestionLength:  4000,
		MaxHistoryRows:     24,
		MaxTranscriptTurns: 24,
		MaxTranscriptChars: 24000,
	}
}

type orchFixture struct {
	stores  *fakeStoreSource
	history *fakeHistoryStore
	logs    *fakeLogWriter
	limiter *fakeRateLimiter
	client  *scriptClient
	ledger  *fakeSpendLedger
	budgets *fakeBudgetSource
	orch    *Orchestrator
}

func newFixture(t *testing.T) *orchFixture {
	t.Helper()
	f := &orchFixture{
		stores: &fakeStoreSource{stores: map[uint]*model.Store{
			7: {ID: 7, UserID: 42, DisplayName: "contracts", FSName: "fileSearchStores/abc"},
		}},
		history: &fakeHistoryStore{},
		logs:    &fakeLogWriter{},
		limiter: &fakeRateLimiter{allowed: true},
		client:  &scriptClient{},
		ledger:  &fakeSpendLedger{spend: decimal.Zero},
		budgets: &fakeBudgetSource{},
	}
	cfg := &config.Config{
		Chat: testChatConfig(),
		Models: map[string]config.ModelRates{
			"default": {InputPrice: fp(0.30), OutputPrice: fp(2.50), IndexPrice: fp(0.15)},
		},
	}
	engine := cost.NewEngine(cfg, f.ledger, f.budgets, zerolog.Nop())
	f.orch = NewOrchestrator(OrchestratorOptions{
		Stores:        f.stores,
		History:       f.history,
		Logs:          f.logs,
		Engine:        engine,
		Client:        f.client,
		Limiter:       f.limiter,
		Semaphore:     semaphore.NewWeighted(2),
		Config:        testChatConfig(),
		StreamRetries: 2,
		Logger:        zerolog.Nop(),
	})
	f.orch.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func baseRequest() Request {
	return Request{
		UserID:   42,
		Question: "what does clause 4 say?",
		StoreIDs: []uint{7},
	}
}

func TestPrepareRequiresConfiguredPricing(t *testing.T) {
	f := newFixture(t)
	cfg := &config.Config{Chat: testChatConfig()}
	f.orch.engine = cost.NewEngine(cfg, f.ledger, f.budgets, zerolog.Nop())

	_, err := f.orch.Prepare(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("unpriced deployment must refuse chat requests")
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		t.Fatalf("err = %v, must not be a client error", err)
	}
}

func TestPrepareStoreNotFound(t *testing.T) {
	f := newFixture(t)

	req := baseRequest()
	req.StoreIDs = []uint{99}
	if _, err := f.orch.Prepare(context.Background(), req); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("missing store: err = %v, want ErrStoreNotFound", err)
	}

	req.StoreIDs = []uint{7}
	req.UserID = 43
	if _, err := f.orch.Prepare(context.Background(), req); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("foreign store: err = %v, want ErrStoreNotFound", err)
	}
}

func TestPrepareValidationErrors(t *testing.T) {
	f := newFixture(t)

	req := baseRequest()
	req.Question = "   "
	var vErr *ValidationError
	if _, err := f.orch.Prepare(context.Background(), req); !errors.As(err, &vErr) {
		t.Fatalf("blank question: err = %v, want ValidationError", err)
	}

	req = baseRequest()
	req.Model = "gpt-4"
	if _, err := f.orch.Prepare(context.Background(), req); !errors.As(err, &vErr) {
		t.Fatalf("disallowed model: err = %v, want ValidationError", err)
	}

	req = baseRequest()
	req.StoreIDs = nil
	if _, err := f.orch.Prepare(context.Background(), req); !errors.As(err, &vErr) {
		t.Fatalf("no stores: err = %v, want ValidationError", err)
	}
}

func TestPrepareRateLimited(t *testing.T) {
	f := newFixture(t)
	f.limiter.allowed = false

	if _, err := f.orch.Prepare(context.Background(), baseRequest()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if f.limiter.calls != 1 {
		t.Fatalf("limiter calls = %d, want 1", f.limiter.calls)
	}
}

func TestPrepareBudgetExhaustedBeforeUpstream(t *testing.T) {
	f := newFixture(t)
	f.budgets.has = true
	f.budgets.limit = decimal.NewFromInt(10)
	f.ledger.spend = decimal.NewFromInt(10)

	_, err := f.orch.Prepare(context.Background(), baseRequest())
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
	if f.client.askCalls != 0 {
		t.Fatalf("askCalls = %d, want 0", f.client.askCalls)
	}
	if len(f.history.appended) != 0 {
		t.Fatalf("rejected request must not persist a user turn, got %d rows", len(f.history.appended))
	}
}

func TestPrepareRecordsUserTurn(t *testing.T) {
	f := newFixture(t)
	f.budgets.has = true
	f.budgets.limit = decimal.NewFromInt(10)
	f.ledger.spend = decimal.NewFromInt(1)

	prepared, err := f.orch.Prepare(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !prepared.budgetLimited {
		t.Fatal("budgetLimited not set for a budgeted user")
	}
	if !prepared.remaining.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("remaining = %s, want 9", prepared.remaining)
	}
	if prepared.SessionID == "" {
		t.Fatal("session id not assigned")
	}
	if len(f.history.sessions) != 1 || f.history.sessions[0].Title == "" {
		t.Fatalf("session not touched: %+v", f.history.sessions)
	}
	if len(f.history.appended) != 1 || f.history.appended[0].Role != "user" {
		t.Fatalf("user turn not recorded: %+v", f.history.appended)
	}
}

func TestPrepareUnbudgetedUserSkipsLimitTracking(t *testing.T) {
	f := newFixture(t)

	prepared, err := f.orch.Prepare(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if prepared.budgetLimited {
		t.Fatal("budgetLimited set without a budget row")
	}
}

func preparedFixture() *Prepared {
	storeID := uint(7)
	return &Prepared{
		UserID:       42,
		SessionID:    "sess-1",
		Question:     "what does clause 4 say?",
		Prompt:       "what does clause 4 say?",
		Model:        "gemini-2.5-flash",
		StoreNames:   []string{"fileSearchStores/abc"},
		StoreID:      &storeID,
		promptTokens: 10,
	}
}

func frameTypes(frames []Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func TestStreamHappyPath(t *testing.T) {
	f := newFixture(t)
	f.client.scripts = [][]scriptStep{{
		{chunk: rag.Chunk{Text: "Clause 4 "}},
		{chunk: rag.Chunk{
			Text:      "covers termination.",
			Usage:     &rag.Usage{PromptTokens: 100, CompletionTokens: 20},
			Citations: []rag.Citation{{URI: "files/f1", Title: "contract.pdf"}},
		}},
	}}
	w := &frameRecorder{}

	f.orch.Stream(context.Background(), preparedFixture(), w)

	want := []string{"start", "text-start", "text-delta", "text-delta", "text-end", "source-document", "finish"}
	got := frameTypes(w.frames)
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %q, want %q (%v)", i, got[i], want[i], got)
		}
	}
	if w.done != 1 {
		t.Fatalf("done = %d, want 1", w.done)
	}

	finish := w.byType("finish")[0]
	if finish.Usage.PromptTokens != 100 || finish.Usage.CompletionTokens != 20 {
		t.Fatalf("finish usage = %+v", finish.Usage)
	}
	if len(f.logs.entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(f.logs.entries))
	}
	entry := f.logs.entries[0]
	if entry.UserID != 42 || entry.Model != "gemini-2.5-flash" || entry.ErrorCode != "" {
		t.Fatalf("log entry = %+v", entry)
	}
	// 100 prompt tokens at $0.30/MTok and 20 completion at $2.50/MTok.
	if !entry.CostUSD.Equal(decimal.RequireFromString("0.00008")) {
		t.Fatalf("cost = %s, want 0.00008", entry.CostUSD)
	}
	if len(f.history.appended) != 1 || f.history.appended[0].Role != "assistant" {
		t.Fatalf("assistant turn not recorded: %+v", f.history.appended)
	}
	if f.history.appended[0].Content != "Clause 4 covers termination." {
		t.Fatalf("assistant content = %q", f.history.appended[0].Content)
	}
}

func TestStreamMidStreamBudgetBreaker(t *testing.T) {
	f := newFixture(t)
	f.client.scripts = [][]scriptStep{{
		{chunk: rag.Chunk{Text: "this answer will cost more than what is left"}},
		{chunk: rag.Chunk{Text: "and this part must never reach the client"}},
	}}
	p := preparedFixture()
	p.budgetLimited = true
	p.remaining = decimal.New(1, -7)
	w := &frameRecorder{}

	f.orch.Stream(context.Background(), p, w)

	if n := len(w.byType("text-delta")); n != 0 {
		t.Fatalf("text-delta frames = %d, want 0", n)
	}
	errs := w.byType("error")
	if len(errs) != 1 || errs[0].Code != CodeBudgetExceeded {
		t.Fatalf("error frames = %+v, want one budget_exceeded", errs)
	}
	if w.done != 1 {
		t.Fatalf("done = %d, want 1", w.done)
	}
	if len(f.logs.entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(f.logs.entries))
	}
	entry := f.logs.entries[0]
	if entry.ErrorCode != CodeBudgetExceeded || !entry.CostUSD.IsZero() {
		t.Fatalf("log entry = %+v, want zero-cost budget_exceeded row", entry)
	}
}

func TestStreamRetriesBeforeFirstDelta(t *testing.T) {
	f := newFixture(t)
	f.client.scripts = [][]scriptStep{
		{{err: &rag.HTTPError{StatusCode: 503, Body: "overloaded"}}},
		{{chunk: rag.Chunk{Text: "recovered answer"}}},
	}
	w := &frameRecorder{}

	f.orch.Stream(context.Background(), preparedFixture(), w)

	if f.client.askCalls != 2 {
		t.Fatalf("askCalls = %d, want 2", f.client.askCalls)
	}
	if n := len(w.byType("error")); n != 0 {
		t.Fatalf("error frames = %d, want 0", n)
	}
	if n := len(w.byType("finish")); n != 1 {
		t.Fatalf("finish frames = %d, want 1", n)
	}
	deltas := w.byType("text-delta")
	if len(deltas) != 1 || deltas[0].Delta != "recovered answer" {
		t.Fatalf("deltas = %+v", deltas)
	}
}

func TestStreamNoRetryAfterTextEmitted(t *testing.T) {
	f := newFixture(t)
	f.client.scripts = [][]scriptStep{
		{
			{chunk: rag.Chunk{Text: "partial answer "}},
			{err: &rag.HTTPError{StatusCode: 503, Body: "overloaded"}},
		},
		{{chunk: rag.Chunk{Text: "must not be asked"}}},
	}
	w := &frameRecorder{}

	f.orch.Stream(context.Background(), preparedFixture(), w)

	if f.client.askCalls != 1 {
		t.Fatalf("askCalls = %d, want 1", f.client.askCalls)
	}
	errs := w.byType("error")
	if len(errs) != 1 || errs[0].Code != CodeUpstreamUnavailable {
		t.Fatalf("error frames = %+v, want one upstream_unavailable", errs)
	}
	if w.done != 1 {
		t.Fatalf("done = %d, want 1", w.done)
	}
}

func TestStreamRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	fail := []scriptStep{{err: &rag.HTTPError{StatusCode: 503, Body: "overloaded"}}}
	f.client.scripts = [][]scriptStep{fail, fail, fail}
	w := &frameRecorder{}

	f.orch.Stream(context.Background(), preparedFixture(), w)

	if f.client.askCalls != 3 {
		t.Fatalf("askCalls = %d, want 3", f.client.askCalls)
	}
	errs := w.byType("error")
	if len(errs) != 1 || errs[0].Code != CodeUpstreamUnavailable {
		t.Fatalf("error frames = %+v, want one upstream_unavailable", errs)
	}
}

func TestStreamInternalErrorOnUnknownFailure(t *testing.T) {
	f := newFixture(t)
	f.client.scripts = [][]scriptStep{{{err: errors.New("boom")}}}
	w := &frameRecorder{}

	f.orch.Stream(context.Background(), preparedFixture(), w)

	if f.client.askCalls != 1 {
		t.Fatalf("askCalls = %d, want 1", f.client.askCalls)
	}
	errs := w.byType("error")
	if len(errs) != 1 || errs[0].Code != CodeInternalError {
		t.Fatalf("error frames = %+v, want one internal_error", errs)
	}
	if len(f.logs.entries) != 1 || f.logs.entries[0].ErrorCode != CodeInternalError {
		t.Fatalf("log entries = %+v", f.logs.entries)
	}
}

func TestStreamCapacityExceeded(t *testing.T) {
	f := newFixture(t)
	sem := semaphore.NewWeighted(1)
	if err := sem.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	f.orch.sem = sem
	w := &frameRecorder{}

	f.orch.Stream(context.Background(), preparedFixture(), w)

	errs := w.byType("error")
	if len(errs) != 1 || errs[0].Code != CodeCapacityExceeded {
		t.Fatalf("error frames = %+v, want one capacity_exceeded", errs)
	}
	if f.client.askCalls != 0 {
		t.Fatalf("askCalls = %d, want 0", f.client.askCalls)
	}
	if w.done != 1 {
		t.Fatalf("done = %d, want 1", w.done)
	}
}

// hangingClient yields one text chunk, then blocks until the stream context
// is canceled, mimicking a model that stalls mid-answer.
type hangingClient struct {
	scriptClient
	started chan struct{}
}

func (c *hangingClient) AskStream(ctx context.Context, _ rag.AskRequest) iter.Seq2[rag.Chunk, error] {
	c.askCalls++
	return func(yield func(rag.Chunk, error) bool) {
		if !yield(rag.Chunk{Text: "partial "}, nil) {
			return
		}
		close(c.started)
		<-ctx.Done()
	}
}

func TestStreamClientDisconnect(t *testing.T) {
	f := newFixture(t)
	client := &hangingClient{started: make(chan struct{})}
	f.orch.client = client
	f.orch.sem = semaphore.NewWeighted(1)
	w := &frameRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-client.started
		cancel()
	}()

	f.orch.Stream(ctx, preparedFixture(), w)

	if n := len(w.byType("error")); n != 0 {
		t.Fatalf("error frames = %d, want 0 after a disconnect", n)
	}
	if n := len(w.byType("finish")); n != 0 {
		t.Fatalf("finish frames = %d, want 0 after a disconnect", n)
	}
	if len(f.history.appended) != 0 {
		t.Fatalf("canceled stream must not persist an assistant turn, got %d rows", len(f.history.appended))
	}
	if len(f.logs.entries) != 0 {
		t.Fatalf("canceled stream must not write cost rows, got %d", len(f.logs.entries))
	}
	if !f.orch.sem.TryAcquire(1) {
		t.Fatal("stream slot not released after disconnect")
	}
}

// gatedWriter blocks the first text frame until the gate opens, wedging the
// consumer so the producer's bounded queue fills up.
type gatedWriter struct {
	frameRecorder
	gate chan struct{}
}

func (w *gatedWriter) WriteFrame(f Frame) error {
	if f.Type == "text-start" {
		<-w.gate
	}
	return w.frameRecorder.WriteFrame(f)
}

func TestStreamBackpressureAbortsSlowConsumer(t *testing.T) {
	steps := make([]scriptStep, 30)
	for i := range steps {
		steps[i] = scriptStep{chunk: rag.Chunk{Text: "chunk "}}
	}
	f := newFixture(t)
	f.client.scripts = [][]scriptStep{steps}
	f.orch.bpWait = 100 * time.Millisecond
	w := &gatedWriter{gate: make(chan struct{})}
	time.AfterFunc(500*time.Millisecond, func() { close(w.gate) })

	f.orch.Stream(context.Background(), preparedFixture(), w)

	errs := w.byType("error")
	if len(errs) != 1 || errs[0].Code != CodeBackpressure {
		t.Fatalf("error frames = %+v, want one backpressure", errs)
	}
	if f.client.askCalls != 1 {
		t.Fatalf("askCalls = %d, want 1 (backpressure must not retry)", f.client.askCalls)
	}
	if w.done != 1 {
		t.Fatalf("done = %d, want 1", w.done)
	}
	if len(f.logs.entries) != 1 || f.logs.entries[0].ErrorCode != CodeBackpressure {
		t.Fatalf("log entries = %+v, want one zero-cost backpressure row", f.logs.entries)
	}
}

// slowStartClient delays the first chunk, leaving the consumer idle long
// enough to emit keepalives.
type slowStartClient struct {
	scriptClient
	delay time.Duration
}

func (c *slowStartClient) AskStream(ctx context.Context, req rag.AskRequest) iter.Seq2[rag.Chunk, error] {
	inner := c.scriptClient.AskStream(ctx, req)
	return func(yield func(rag.Chunk, error) bool) {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		inner(yield)
	}
}

func TestStreamKeepaliveWhileModelThinks(t *testing.T) {
	f := newFixture(t)
	client := &slowStartClient{delay: 600 * time.Millisecond}
	client.scripts = [][]scriptStep{{{chunk: rag.Chunk{Text: "late answer"}}}}
	f.orch.client = client
	f.orch.cfg.KeepaliveSeconds = 0.2
	w := &frameRecorder{}

	f.orch.Stream(context.Background(), preparedFixture(), w)

	if len(w.comments) == 0 {
		t.Fatal("no keepalive comment emitted while waiting on the model")
	}
	if !strings.HasPrefix(w.comments[0], "keepalive") {
		t.Fatalf("comment = %q, want keepalive prefix", w.comments[0])
	}
	deltas := w.byType("text-delta")
	if len(deltas) != 1 || deltas[0].Delta != "late answer" {
		t.Fatalf("deltas = %+v", deltas)
	}
	if n := len(w.byType("finish")); n != 1 {
		t.Fatalf("finish frames = %d, want 1", n)
	}
}

func TestStreamRetryDoesNotDuplicateCitations(t *testing.T) {
	f := newFixture(t)
	f.client.scripts = [][]scriptStep{
		{
			{chunk: rag.Chunk{Citations: []rag.Citation{{URI: "files/stale", Title: "stale.pdf"}}}},
			{err: &rag.HTTPError{StatusCode: 503, Body: "overloaded"}},
		},
		{
			{chunk: rag.Chunk{
				Text:      "final answer",
				Citations: []rag.Citation{{URI: "files/fresh", Title: "fresh.pdf"}},
			}},
		},
	}
	w := &frameRecorder{}

	f.orch.Stream(context.Background(), preparedFixture(), w)

	if f.client.askCalls != 2 {
		t.Fatalf("askCalls = %d, want 2", f.client.askCalls)
	}
	sources := w.byType("source-document")
	if len(sources) != 1 || sources[0].Citation.URI != "files/fresh" {
		t.Fatalf("source frames = %+v, want only the retried attempt's citation", sources)
	}
}

func TestStreamPostHocBudgetNotice(t *testing.T) {
	f := newFixture(t)
	f.budgets.has = true
	f.budgets.limit = decimal.NewFromInt(10)
	// By the time the post-stream check runs, the ledger reflects an
	// over-limit month.
	f.ledger.spend = decimal.NewFromInt(11)
	f.client.scripts = [][]scriptStep{{{chunk: rag.Chunk{Text: "short answer"}}}}
	p := preparedFixture()
	p.budgetLimited = true
	p.remaining = decimal.NewFromInt(1)
	w := &frameRecorder{}

	f.orch.Stream(context.Background(), p, w)

	got := frameTypes(w.frames)
	want := []string{"start", "text-start", "text-delta", "text-end", "error", "finish"}
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %q, want %q (%v)", i, got[i], want[i], got)
		}
	}
	errs := w.byType("error")
	if errs[0].Code != CodeBudgetExceeded {
		t.Fatalf("error code = %q, want budget_exceeded", errs[0].Code)
	}
}
