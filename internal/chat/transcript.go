package chat

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
)

const (
	maxSessionIDLength = 64
	maxTitleLength     = 50
	maxFilterValueLen  = 256
)

// Turn is one conversational exchange entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NormalizeSessionID returns the id to use for this request: a fresh UUID
// when the client supplied none, otherwise the supplied id capped to the
// column width.
func NormalizeSessionID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return uuid.NewString()
	}
	if len(trimmed) > maxSessionIDLength {
		trimmed = trimmed[:maxSessionIDLength]
	}
	return trimmed
}

// DeriveTitle names a new session after its first question.
func DeriveTitle(question string) string {
	title := strings.TrimSpace(question)
	if len(title) > maxTitleLength {
		title = strings.TrimSpace(title[:maxTitleLength])
	}
	return title
}

// BuildTranscript merges stored history with client-supplied turns, newest
// last, trimmed to the most recent maxTurns entries and maxChars total
// characters. The returned question is the explicit one when given,
// otherwise the most recent user utterance in the merged transcript.
func BuildTranscript(history []model.ChatHistory, clientTurns []Turn, explicitQuestion string, maxTurns, maxChars int) ([]Turn, string) {
	merged := make([]Turn, 0, len(history)+len(clientTurns))
	for _, row := range history {
		merged = append(merged, Turn{Role: row.Role, Content: row.Content})
	}
	for _, turn := range clientTurns {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		merged = append(merged, turn)
	}

	question := strings.TrimSpace(explicitQuestion)
	if question == "" {
		for i := len(merged) - 1; i >= 0; i-- {
			if merged[i].Role == "user" {
				question = merged[i].Content
				merged = append(merged[:i], merged[i+1:]...)
				break
			}
		}
	}

	if maxTurns > 0 && len(merged) > maxTurns {
		merged = merged[len(merged)-maxTurns:]
	}
	if maxChars > 0 {
		total := 0
		start := len(merged)
		for i := len(merged) - 1; i >= 0; i-- {
			total += len(merged[i].Content)
			if total > maxChars {
				break
			}
			start = i
		}
		merged = merged[start:]
	}
	return merged, question
}

// RenderPrompt folds the transcript and question into the single prompt sent
// upstream.
func RenderPrompt(transcript []Turn, question string) string {
	if len(transcript) == 0 {
		return question
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, turn := range transcript {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nCurrent question: ")
	b.WriteString(question)
	return b.String()
}

// ValidateQuestion rejects empty or over-long questions.
func ValidateQuestion(question string, maxLength int) error {
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("question must not be empty")
	}
	if maxLength > 0 && len(question) > maxLength {
		return fmt.Errorf("question exceeds maximum length of %d characters", maxLength)
	}
	return nil
}

// ValidateModel checks the requested model against the allow-list. An empty
// request selects the default.
func ValidateModel(requested, defaultModel string, allowed []string) (string, error) {
	if requested == "" {
		return defaultModel, nil
	}
	for _, name := range allowed {
		if requested == name {
			return requested, nil
		}
	}
	return "", fmt.Errorf("model %q is not available", requested)
}

// ValidateMetadataFilter normalizes a client filter against the server-side
// key allow-list. Values must be scalars or lists of scalars, each capped in
// length.
func ValidateMetadataFilter(filter map[string]any, enabled bool, allowedKeys []string) (map[string]any, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	if !enabled {
		return nil, fmt.Errorf("metadata filters are not enabled")
	}
	allowed := make(map[string]bool, len(allowedKeys))
	for _, key := range allowedKeys {
		allowed[key] = true
	}
	out := make(map[string]any, len(filter))
	for key, value := range filter {
		if !allowed[key] {
			return nil, fmt.Errorf("metadata filter key %q is not allowed", key)
		}
		switch v := value.(type) {
		case []any:
			for _, item := range v {
				if err := validateFilterScalar(key, item); err != nil {
					return nil, err
				}
			}
		default:
			if err := validateFilterScalar(key, value); err != nil {
				return nil, err
			}
		}
		out[key] = value
	}
	return out, nil
}

func validateFilterScalar(key string, value any) error {
	switch v := value.(type) {
	case string:
		if len(v) > maxFilterValueLen {
			return fmt.Errorf("metadata filter value for %q exceeds %d characters", key, maxFilterValueLen)
		}
		return nil
	case bool, float64, int, int64:
		return nil
	default:
		return fmt.Errorf("metadata filter value for %q must be a scalar", key)
	}
}
