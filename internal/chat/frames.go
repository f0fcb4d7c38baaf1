package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Sapphire-Bridge/rag-foundation/internal/rag"
)

// Stable machine-readable error codes carried in error frames.
const (
	CodeCapacityExceeded    = "capacity_exceeded"
	CodeBudgetExceeded      = "budget_exceeded"
	CodeBackpressure        = "backpressure"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeInternalError       = "internal_error"
)

// Frame is one SSE payload. Type is one of start, text-start, text-delta,
// text-end, source-document, error, finish.
type Frame struct {
	Type      string           `json:"type"`
	Delta     string           `json:"delta,omitempty"`
	Code      string           `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
	Citation  *rag.Citation    `json:"citation,omitempty"`
	Usage     *FrameUsage      `json:"usage,omitempty"`
	CostUSD   *decimal.Decimal `json:"cost_usd,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
}

type FrameUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

func startFrame(sessionID string) Frame { return Frame{Type: "start", SessionID: sessionID} }
func textStartFrame() Frame             { return Frame{Type: "text-start"} }
func textDeltaFrame(delta string) Frame { return Frame{Type: "text-delta", Delta: delta} }
func textEndFrame() Frame               { return Frame{Type: "text-end"} }
func sourceFrame(c rag.Citation) Frame  { return Frame{Type: "source-document", Citation: &c} }
func errorFrame(code, msg string) Frame { return Frame{Type: "error", Code: code, Message: msg} }

func finishFrame(usage FrameUsage, costUSD decimal.Decimal) Frame {
	return Frame{Type: "finish", Usage: &usage, CostUSD: &costUSD}
}

// FrameWriter is the transport half of a stream: frames go out as
// `data: <json>` lines, keepalives as SSE comments, and Done writes the
// literal `[DONE]` sentinel.
type FrameWriter interface {
	WriteFrame(frame Frame) error
	WriteComment(text string) error
	Done() error
}

// SSEWriter writes frames to an http.ResponseWriter, flushing after every
// write so intermediaries forward each frame immediately.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

func (s *SSEWriter) WriteFrame(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal sse frame failed: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write sse frame failed: %w", err)
	}
	s.flush()
	return nil
}

func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("write sse comment failed: %w", err)
	}
	s.flush()
	return nil
}

func (s *SSEWriter) Done() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write sse sentinel failed: %w", err)
	}
	s.flush()
	return nil
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func keepaliveComment(now time.Time) string {
	return "keepalive " + now.UTC().Format(time.RFC3339)
}
