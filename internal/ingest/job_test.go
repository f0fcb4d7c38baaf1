package ingest

import (
	"context"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sapphire-Bridge/rag-foundation/internal/config"
	"github.com/Sapphire-Bridge/rag-foundation/internal/cost"
	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
	"github.com/Sapphire-Bridge/rag-foundation/internal/rag"
)

type fakeDocs struct {
	docs   map[uint]*model.Document
	claims []model.DocumentStatus
}

func (f *fakeDocs) GetByID(_ context.Context, id uint) (*model.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, nil
	}
	copied := *doc
	return &copied, nil
}

func (f *fakeDocs) Save(_ context.Context, doc *model.Document) error {
	copied := *doc
	f.docs[doc.ID] = &copied
	return nil
}

func (f *fakeDocs) UpdateStatus(_ context.Context, id uint, fromStatus, toStatus model.DocumentStatus, now time.Time) (bool, error) {
	f.claims = append(f.claims, toStatus)
	doc, ok := f.docs[id]
	if !ok || doc.Status != fromStatus {
		return false, nil
	}
	doc.Status = toStatus
	doc.StatusUpdatedAt = now
	return true, nil
}

type fakeStores struct {
	stores map[uint]*model.Store
}

func (f *fakeStores) GetByID(_ context.Context, id uint) (*model.Store, error) {
	store, ok := f.stores[id]
	if !ok {
		return nil, nil
	}
	return store, nil
}

type fakeRAG struct {
	uploads      int
	uploadResult rag.UploadResult
	uploadErr    error
	statuses     []rag.OperationStatus
	statusErr    error
	statusCalls  int
	deletedFiles []string
}

func (f *fakeRAG) CreateStore(context.Context, string) (string, error) {
	return "fileSearchStores/test", nil
}

func (f *fakeRAG) UploadFile(context.Context, string, string, string) (rag.UploadResult, error) {
	f.uploads++
	return f.uploadResult, f.uploadErr
}

func (f *fakeRAG) OperationStatus(context.Context, string) (rag.OperationStatus, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return rag.OperationStatus{}, f.statusErr
	}
	idx := f.statusCalls - 1
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	if idx < 0 {
		return rag.OperationStatus{}, nil
	}
	return f.statuses[idx], nil
}

func (f *fakeRAG) AskStream(context.Context, rag.AskRequest) iter.Seq2[rag.Chunk, error] {
	return func(func(rag.Chunk, error) bool) {}
}

func (f *fakeRAG) DeleteStore(context.Context, string) error { return nil }

func (f *fakeRAG) DeleteFile(_ context.Context, fileID string) error {
	f.deletedFiles = append(f.deletedFiles, fileID)
	return nil
}

type fakeLogs struct {
	entries []*model.QueryLog
}

func (f *fakeLogs) Create(_ context.Context, entry *model.QueryLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.current = c.current.Add(d)
	return nil
}

func fl(v float64) *float64 { return &v }

func testEngine() *cost.Engine {
	cfg := &config.Config{
		Chat: config.ChatConfig{DefaultModel: "gemini-2.5-flash"},
		Models: map[string]config.ModelRates{
			"default": {InputPrice: fl(0.30), OutputPrice: fl(2.50), IndexPrice: fl(0.0015)},
		},
	}
	return cost.NewEngine(cfg, nil, nil, zerolog.Nop())
}

func newTestRunner(docs *fakeDocs, stores *fakeStores, client *fakeRAG, logs *fakeLogs) (*Runner, *fakeClock) {
	clock := &fakeClock{current: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	r := NewRunner(RunnerOptions{
		Docs:          docs,
		Stores:        stores,
		Client:        client,
		Engine:        testEngine(),
		Logs:          logs,
		Logger:        zerolog.Nop(),
		IngestTimeout: 180 * time.Second,
	})
	r.now = clock.now
	r.sleep = clock.sleep
	r.jitter = func(time.Duration) time.Duration { return 0 }
	return r, clock
}

func pendingFixture() (*fakeDocs, *fakeStores) {
	docs := &fakeDocs{docs: map[uint]*model.Document{
		1: {ID: 1, StoreID: 7, Filename: "report.pdf", DisplayName: "report",
			SizeBytes: 1000, Status: model.DocumentPending},
	}}
	stores := &fakeStores{stores: map[uint]*model.Store{
		7: {ID: 7, UserID: 42, DisplayName: "docs", FSName: "fileSearchStores/abc"},
	}}
	return docs, stores
}

func TestDecideEntry(t *testing.T) {
	deleted := time.Now()
	cases := []struct {
		name string
		doc  *model.Document
		want entryAction
	}{
		{"missing", nil, actionSkip},
		{"soft deleted", &model.Document{Status: model.DocumentPending, DeletedAt: &deleted}, actionSkip},
		{"done no handle", &model.Document{Status: model.DocumentDone}, actionSkip},
		{"done with handle", &model.Document{Status: model.DocumentDone, OpName: "operations/x"}, actionHeartbeat},
		{"running with handle", &model.Document{Status: model.DocumentRunning, OpName: "operations/x"}, actionHeartbeat},
		{"running no handle", &model.Document{Status: model.DocumentRunning}, actionSkip},
		{"pending", &model.Document{Status: model.DocumentPending}, actionRun},
		{"error retry", &model.Document{Status: model.DocumentError}, actionRun},
		{"error with handle", &model.Document{Status: model.DocumentError, OpName: "operations/x"}, actionRun},
	}
	for _, tc := range cases {
		if got, _ := decideEntry(tc.doc); got != tc.want {
			t.Errorf("%s: decideEntry = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRunUploadToDone(t *testing.T) {
	docs, stores := pendingFixture()
	client := &fakeRAG{
		uploadResult: rag.UploadResult{OperationName: "operations/abc"},
		statuses: []rag.OperationStatus{
			{Name: "operations/abc", Done: true, FileID: "files/xyz"},
		},
	}
	logs := &fakeLogs{}
	r, _ := newTestRunner(docs, stores, client, logs)

	if err := r.Run(context.Background(), Job{StoreID: 7, DocumentID: 1, MimeType: "application/pdf"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	doc := docs.docs[1]
	if doc.Status != model.DocumentDone {
		t.Fatalf("status = %s, want DONE", doc.Status)
	}
	if doc.LastError != "" {
		t.Fatalf("last error = %q, want empty", doc.LastError)
	}
	if doc.OpName != "operations/abc" || doc.RemoteFileID != "files/xyz" {
		t.Fatalf("handles not recorded: op=%q file=%q", doc.OpName, doc.RemoteFileID)
	}
	if client.uploads != 1 {
		t.Fatalf("uploads = %d, want 1", client.uploads)
	}

	if len(logs.entries) != 1 {
		t.Fatalf("expected one index cost entry, got %d", len(logs.entries))
	}
	entry := logs.entries[0]
	if entry.Model != model.IndexModel || entry.UserID != 42 {
		t.Fatalf("bad index entry: %+v", entry)
	}
	if entry.PromptTokens != 250 {
		t.Fatalf("estimated tokens = %d, want 250", entry.PromptTokens)
	}
	if !entry.CostUSD.IsPositive() {
		t.Fatalf("index cost must be positive, got %s", entry.CostUSD)
	}
}

func TestRunIdempotentRedelivery(t *testing.T) {
	docs, stores := pendingFixture()
	docs.docs[1].Status = model.DocumentDone
	docs.docs[1].OpName = "operations/abc"
	docs.docs[1].RemoteFileID = "files/xyz"
	client := &fakeRAG{}
	r, _ := newTestRunner(docs, stores, client, &fakeLogs{})

	err := r.Run(context.Background(), Job{StoreID: 7, DocumentID: 1})
	if err != ErrSkip {
		t.Fatalf("expected ErrSkip, got %v", err)
	}
	doc := docs.docs[1]
	if client.uploads != 0 {
		t.Fatal("redelivery must not upload again")
	}
	if doc.Status != model.DocumentDone || doc.OpName != "operations/abc" {
		t.Fatalf("status/handle must be unchanged: %+v", doc)
	}
}

func TestRunPollingTimeout(t *testing.T) {
	docs, stores := pendingFixture()
	client := &fakeRAG{
		uploadResult: rag.UploadResult{OperationName: "operations/abc", FileID: "files/xyz"},
		statuses:     []rag.OperationStatus{{Name: "operations/abc", Done: false}},
	}
	r, _ := newTestRunner(docs, stores, client, &fakeLogs{})

	if err := r.Run(context.Background(), Job{StoreID: 7, DocumentID: 1}); err != nil {
		t.Fatalf("timeout is a business outcome, not an error: %v", err)
	}
	doc := docs.docs[1]
	if doc.Status != model.DocumentError {
		t.Fatalf("status = %s, want ERROR", doc.Status)
	}
	if !strings.Contains(doc.LastError, "timed out") {
		t.Fatalf("last error = %q, want a timeout message", doc.LastError)
	}
}

func TestRunCompensatingDelete(t *testing.T) {
	docs, stores := pendingFixture()
	client := &fakeRAG{
		uploadResult: rag.UploadResult{OperationName: "operations/abc", FileID: "files/xyz"},
		statuses: []rag.OperationStatus{
			{Name: "operations/abc", Done: true, Err: "internal indexing failure"},
		},
	}
	r, _ := newTestRunner(docs, stores, client, &fakeLogs{})

	if err := r.Run(context.Background(), Job{StoreID: 7, DocumentID: 1}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	doc := docs.docs[1]
	if doc.Status != model.DocumentError {
		t.Fatalf("status = %s, want ERROR", doc.Status)
	}
	if len(client.deletedFiles) != 1 || client.deletedFiles[0] != "files/xyz" {
		t.Fatalf("compensating delete not issued with recorded file id: %v", client.deletedFiles)
	}
}

func TestRunStoreMissing(t *testing.T) {
	docs, _ := pendingFixture()
	stores := &fakeStores{stores: map[uint]*model.Store{}}
	client := &fakeRAG{}
	r, _ := newTestRunner(docs, stores, client, &fakeLogs{})

	if err := r.Run(context.Background(), Job{StoreID: 7, DocumentID: 1}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	doc := docs.docs[1]
	if doc.Status != model.DocumentError || !strings.Contains(doc.LastError, "store missing") {
		t.Fatalf("expected store-missing ERROR, got %+v", doc)
	}
	if client.uploads != 0 {
		t.Fatal("must not upload without a store")
	}
	if len(docs.claims) != 0 {
		t.Fatalf("document must not be claimed RUNNING without a store, claims = %v", docs.claims)
	}
}

func TestRunRetryResumesPollingWithoutReupload(t *testing.T) {
	docs, stores := pendingFixture()
	docs.docs[1].Status = model.DocumentError
	docs.docs[1].OpName = "operations/abc"
	docs.docs[1].RemoteFileID = "files/xyz"
	client := &fakeRAG{
		statuses: []rag.OperationStatus{{Name: "operations/abc", Done: true, FileID: "files/xyz"}},
	}
	r, _ := newTestRunner(docs, stores, client, &fakeLogs{})

	if err := r.Run(context.Background(), Job{StoreID: 7, DocumentID: 1}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if client.uploads != 0 {
		t.Fatal("retry with a recorded handle must not re-upload")
	}
	if docs.docs[1].Status != model.DocumentDone {
		t.Fatalf("status = %s, want DONE", docs.docs[1].Status)
	}
}

func TestRunPollsUntilDone(t *testing.T) {
	docs, stores := pendingFixture()
	client := &fakeRAG{
		uploadResult: rag.UploadResult{OperationName: "operations/abc", FileID: "files/xyz"},
		statuses: []rag.OperationStatus{
			{Done: false},
			{Done: false},
			{Done: true, FileID: "files/xyz"},
		},
	}
	r, _ := newTestRunner(docs, stores, client, &fakeLogs{})

	if err := r.Run(context.Background(), Job{StoreID: 7, DocumentID: 1}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if docs.docs[1].Status != model.DocumentDone {
		t.Fatalf("status = %s, want DONE", docs.docs[1].Status)
	}
	if client.statusCalls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", client.statusCalls)
	}
}
