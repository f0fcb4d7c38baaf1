package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const restBaseURL = "https://generativelanguage.googleapis.com"

// GeminiClient talks to Gemini File Search. Generation goes through the
// official SDK; store, upload, and operation management use the REST surface,
// which accepts raw operation names where the SDK wants typed objects.
type GeminiClient struct {
	apiKey        string
	httpClient    *http.Client
	genaiClient   *genai.Client
	retryAttempts int
	log           zerolog.Logger
}

type GeminiOptions struct {
	APIKey        string
	HTTPTimeout   time.Duration
	RetryAttempts int
	Logger        zerolog.Logger
}

func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client failed: %w", err)
	}
	return &GeminiClient{
		apiKey:        opts.APIKey,
		httpClient:    &http.Client{Timeout: opts.HTTPTimeout},
		genaiClient:   client,
		retryAttempts: opts.RetryAttempts,
		log:           opts.Logger,
	}, nil
}

var _ Client = (*GeminiClient)(nil)

func (c *GeminiClient) restURL(path string) string {
	return fmt.Sprintf("%s/v1beta/%s?key=%s", restBaseURL, path, c.apiKey)
}

func (c *GeminiClient) doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request failed: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read gemini response failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode gemini response failed: %w", err)
		}
	}
	return nil
}

// withRetry runs fn up to the configured attempt count, backing off
// exponentially on retryable failures.
func (c *GeminiClient) withRetry(ctx context.Context, op string, fn func() error) error {
	wait := time.Second
	var err error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == c.retryAttempts {
			return err
		}
		c.log.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("retrying gemini call")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > 10*time.Second {
			wait = 10 * time.Second
		}
	}
	return err
}

func (c *GeminiClient) CreateStore(ctx context.Context, displayName string) (string, error) {
	var created struct {
		Name string `json:"name"`
	}
	err := c.withRetry(ctx, "create_store", func() error {
		return c.doJSON(ctx, http.MethodPost, c.restURL("fileSearchStores"),
			map[string]string{"displayName": displayName}, &created)
	})
	if err != nil {
		return "", err
	}
	if !StoreNamePattern.MatchString(created.Name) {
		return "", fmt.Errorf("store creation returned malformed name %q", created.Name)
	}
	return created.Name, nil
}

// operationPayload is the wire shape of a File Search long-running operation.
type operationPayload struct {
	Name     string         `json:"name"`
	Done     bool           `json:"done"`
	Error    map[string]any `json:"error"`
	Metadata map[string]any `json:"metadata"`
	Response map[string]any `json:"response"`
}

func (p *operationPayload) errorMessage() string {
	if p.Error == nil {
		return ""
	}
	for _, key := range []string{"message", "msg", "error", "details"} {
		if msg, ok := p.Error[key].(string); ok && msg != "" {
			return msg
		}
	}
	raw, err := json.Marshal(p.Error)
	if err != nil {
		return "unknown upstream error"
	}
	return string(raw)
}

// extractFileID pulls the uploaded file identifier out of an operation
// payload. Responses vary across API revisions, so this walks the known
// shapes and gives up quietly.
func (p *operationPayload) extractFileID() string {
	for _, section := range []map[string]any{p.Response, p.Metadata} {
		if section == nil {
			continue
		}
		for _, key := range []string{"file", "resource", "fileInfo", "document"} {
			if info, ok := section[key].(map[string]any); ok {
				for _, nameKey := range []string{"name", "id", "fileId", "file_id"} {
					if name, ok := info[nameKey].(string); ok && name != "" {
						return name
					}
				}
			}
		}
		for _, nameKey := range []string{"resourceName", "resource_name", "name"} {
			if name, ok := section[nameKey].(string); ok && len(name) > 6 && name[:6] == "files/" {
				return name
			}
		}
	}
	return ""
}

func (c *GeminiClient) UploadFile(ctx context.Context, storeName, localPath, displayName string) (UploadResult, error) {
	var result UploadResult
	err := c.withRetry(ctx, "upload_file", func() error {
		op, err := c.uploadOnce(ctx, storeName, localPath, displayName)
		if err != nil {
			return err
		}
		if op.Name == "" {
			return fmt.Errorf("upload response missing operation name")
		}
		result = UploadResult{OperationName: op.Name, FileID: op.extractFileID()}
		return nil
	})
	return result, err
}

func (c *GeminiClient) uploadOnce(ctx context.Context, storeName, localPath, displayName string) (*operationPayload, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open upload file failed: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := writer.CreatePart(metaHeader)
	if err != nil {
		return nil, fmt.Errorf("build upload metadata part failed: %w", err)
	}
	meta := map[string]string{"displayName": displayName}
	if displayName == "" {
		meta["displayName"] = filepath.Base(localPath)
	}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return nil, fmt.Errorf("encode upload metadata failed: %w", err)
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Type", "application/octet-stream")
	filePart, err := writer.CreatePart(fileHeader)
	if err != nil {
		return nil, fmt.Errorf("build upload file part failed: %w", err)
	}
	if _, err := io.Copy(filePart, f); err != nil {
		return nil, fmt.Errorf("copy upload payload failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finish upload payload failed: %w", err)
	}

	url := fmt.Sprintf("%s/upload/v1beta/%s:uploadToFileSearchStore?key=%s", restBaseURL, storeName, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("build upload request failed: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+writer.Boundary())
	req.Header.Set("X-Goog-Upload-Protocol", "multipart")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini upload failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read upload response failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	var op operationPayload
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("decode upload response failed: %w", err)
	}
	return &op, nil
}

func (c *GeminiClient) OperationStatus(ctx context.Context, opName string) (OperationStatus, error) {
	var op operationPayload
	if err := c.doJSON(ctx, http.MethodGet, c.restURL(opName), nil, &op); err != nil {
		return OperationStatus{}, err
	}
	name := op.Name
	if name == "" {
		name = opName
	}
	return OperationStatus{
		Name:   name,
		Done:   op.Done,
		Err:    op.errorMessage(),
		FileID: op.extractFileID(),
	}, nil
}

func (c *GeminiClient) DeleteStore(ctx context.Context, storeName string) error {
	if storeName == "" {
		return nil
	}
	err := c.doJSON(ctx, http.MethodDelete, c.restURL(storeName)+"&force=true", nil, nil)
	if err != nil && IsNotFound(err) {
		c.log.Info().Str("store", storeName).Msg("store already deleted remotely")
		return nil
	}
	return err
}

func (c *GeminiClient) DeleteFile(ctx context.Context, fileID string) error {
	if fileID == "" {
		return nil
	}
	err := c.doJSON(ctx, http.MethodDelete, c.restURL(fileID), nil, nil)
	if err != nil && IsNotFound(err) {
		c.log.Info().Str("file_id", fileID).Msg("file already deleted remotely")
		return nil
	}
	return err
}

func (c *GeminiClient) AskStream(ctx context.Context, req AskRequest) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		tool := &genai.Tool{
			FileSearch: &genai.FileSearch{
				FileSearchStoreNames: req.StoreNames,
			},
		}
		if filter := EncodeMetadataFilter(req.MetadataFilter); filter != "" {
			tool.FileSearch.MetadataFilter = filter
		}
		cfg := &genai.GenerateContentConfig{Tools: []*genai.Tool{tool}}

		for resp, err := range c.genaiClient.Models.GenerateContentStream(
			ctx, req.Model, genai.Text(req.Question), cfg,
		) {
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			chunk := Chunk{Text: resp.Text()}
			if usage := usageFromResponse(resp); usage != nil {
				chunk.Usage = usage
			}
			if len(resp.Candidates) > 0 {
				chunk.Citations = c.extractCitations(resp)
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func usageFromResponse(resp *genai.GenerateContentResponse) *Usage {
	meta := resp.UsageMetadata
	if meta == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     int64(meta.PromptTokenCount),
		CompletionTokens: int64(meta.CandidatesTokenCount),
	}
}

// extractCitations reads grounding metadata off a response. It is strictly
// best-effort: any shape mismatch logs and returns what was collected so far.
func (c *GeminiClient) extractCitations(resp *genai.GenerateContentResponse) []Citation {
	out := []Citation{}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return out
	}
	gm := resp.Candidates[0].GroundingMetadata
	if gm == nil {
		return out
	}
	for _, chunk := range gm.GroundingChunks {
		if chunk == nil {
			continue
		}
		if rc := chunk.RetrievedContext; rc != nil {
			out = append(out, Citation{
				URI:     rc.URI,
				Title:   rc.Title,
				Snippet: rc.Text,
			})
			continue
		}
		if web := chunk.Web; web != nil {
			out = append(out, Citation{URI: web.URI, Title: web.Title})
		}
	}
	if len(out) == 0 && len(gm.GroundingChunks) > 0 {
		c.log.Warn().Int("chunks", len(gm.GroundingChunks)).Msg("grounding chunks present but no citations extracted")
	}
	return out
}
