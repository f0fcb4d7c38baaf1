package rag

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
)

// MockClient is an in-memory Client used when no Gemini key is configured
// and by tests. Uploads complete after a configurable number of polls.
type MockClient struct {
	mu           sync.Mutex
	stores       map[string]string
	ops          map[string]*mockOp
	nextID       int
	PollsToDone  int
	FailUploads  bool
	AnswerChunks []Chunk
}

type mockOp struct {
	polls  int
	fileID string
}

func NewMockClient() *MockClient {
	return &MockClient{
		stores:      map[string]string{},
		ops:         map[string]*mockOp{},
		PollsToDone: 1,
	}
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) CreateStore(_ context.Context, displayName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	name := fmt.Sprintf("fileSearchStores/mock-%d", m.nextID)
	m.stores[name] = displayName
	return name, nil
}

func (m *MockClient) UploadFile(_ context.Context, storeName, localPath, _ string) (UploadResult, error) {
	if m.FailUploads {
		return UploadResult{}, &HTTPError{StatusCode: 500, Body: "mock upload failure"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	opName := fmt.Sprintf("%s/operations/mock-%d", storeName, m.nextID)
	m.ops[opName] = &mockOp{fileID: fmt.Sprintf("files/mock-%d", m.nextID)}
	return UploadResult{OperationName: opName}, nil
}

func (m *MockClient) OperationStatus(_ context.Context, opName string) (OperationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[opName]
	if !ok {
		return OperationStatus{}, &HTTPError{StatusCode: 404, Body: "operation not found"}
	}
	op.polls++
	if op.polls >= m.PollsToDone {
		return OperationStatus{Name: opName, Done: true, FileID: op.fileID}, nil
	}
	return OperationStatus{Name: opName, Done: false}, nil
}

func (m *MockClient) DeleteStore(_ context.Context, storeName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, storeName)
	return nil
}

func (m *MockClient) DeleteFile(context.Context, string) error {
	return nil
}

func (m *MockClient) AskStream(_ context.Context, req AskRequest) iter.Seq2[Chunk, error] {
	chunks := m.AnswerChunks
	if len(chunks) == 0 {
		text := fmt.Sprintf("Mock answer for %q over %s.",
			truncate(req.Question, 60), strings.Join(req.StoreNames, ", "))
		chunks = []Chunk{
			{Text: text},
			{Usage: &Usage{PromptTokens: 10, CompletionTokens: 20}},
		}
	}
	return func(yield func(Chunk, error) bool) {
		for _, chunk := range chunks {
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
