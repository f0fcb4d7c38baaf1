// Package rag wraps the Gemini File Search backend behind a narrow client
// interface: store management, file upload with a long-running operation
// handle, operation polling, and streaming grounded generation.
package rag

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"regexp"
	"sort"
	"strings"

	"google.golang.org/genai"
)

// StoreNamePattern is the naming convention remote store handles must match.
var StoreNamePattern = regexp.MustCompile(`^fileSearchStores/[A-Za-z0-9._-]+$`)

// UploadResult is the outcome of one upload call. FileID may be empty on the
// first response; callers recover it from a later operation poll when they
// need a remote delete handle.
type UploadResult struct {
	OperationName string
	FileID        string
}

// OperationStatus is one idempotent poll of a long-running operation.
type OperationStatus struct {
	Name   string
	Done   bool
	Err    string
	FileID string
}

type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

type Citation struct {
	URI     string `json:"uri,omitempty"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Store   string `json:"store,omitempty"`
}

// Chunk is one unit of streamed generation output. Usage and Citations are
// populated on the final chunk when the upstream response carries them.
type Chunk struct {
	Text      string
	Usage     *Usage
	Citations []Citation
}

type AskRequest struct {
	Question       string
	StoreNames     []string
	MetadataFilter map[string]any
	Model          string
}

// Client is the RAG capability consumed by the ingestion worker and the chat
// orchestrator. AskStream is a blocking generator; the caller owns bridging
// it onto an async transport.
type Client interface {
	CreateStore(ctx context.Context, displayName string) (string, error)
	UploadFile(ctx context.Context, storeName, localPath, displayName string) (UploadResult, error)
	OperationStatus(ctx context.Context, opName string) (OperationStatus, error)
	AskStream(ctx context.Context, req AskRequest) iter.Seq2[Chunk, error]
	// DeleteStore and DeleteFile are best-effort: a remote 404 is success.
	DeleteStore(ctx context.Context, storeName string) error
	DeleteFile(ctx context.Context, fileID string) error
}

// HTTPError is a non-2xx response from the File Search REST surface.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gemini http %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a remote 404, which delete paths treat
// as already-gone success.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 404
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return false
}

// IsRetryable classifies transient upstream failures: rate limits, server
// errors, and timeouts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// EncodeMetadataFilter renders a validated metadata-filter map into the File
// Search filter expression syntax, with deterministic key order.
func EncodeMetadataFilter(filter map[string]any) string {
	if len(filter) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	terms := make([]string, 0, len(keys))
	for _, key := range keys {
		switch v := filter[key].(type) {
		case []any:
			ors := make([]string, 0, len(v))
			for _, item := range v {
				ors = append(ors, fmt.Sprintf("%s = %s", key, encodeFilterValue(item)))
			}
			terms = append(terms, "("+strings.Join(ors, " OR ")+")")
		default:
			terms = append(terms, fmt.Sprintf("%s = %s", key, encodeFilterValue(v)))
		}
	}
	return strings.Join(terms, " AND ")
}

func encodeFilterValue(v any) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case bool:
		return fmt.Sprintf("%t", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
