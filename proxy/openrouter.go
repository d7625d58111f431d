package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/501336North/oss-supervisor/state"
)

// DefaultOpenRouterBaseURL is the hosted API root.
const DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// Identity headers sent with every remote request.
const (
	identityReferer = "https://github.com/501336North/oss-supervisor"
	identityTitle   = "oss-supervisor"
)

// OpenRouterHandler talks to an OpenAI-dialect chat-completions API.
type OpenRouterHandler struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// OpenRouterOption configures an OpenRouterHandler.
type OpenRouterOption func(*OpenRouterHandler)

// WithOpenRouterBaseURL overrides the API root, mainly for tests.
func WithOpenRouterBaseURL(baseURL string) OpenRouterOption {
	return func(h *OpenRouterHandler) {
		if baseURL != "" {
			h.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithOpenRouterClient substitutes the transport.
func WithOpenRouterClient(client *http.Client) OpenRouterOption {
	return func(h *OpenRouterHandler) {
		if client != nil {
			h.client = client
		}
	}
}

// NewOpenRouterHandler creates a remote handler. The API key must be
// non-empty; construction fails without one so a misconfigured proxy is
// caught at startup rather than per request.
func NewOpenRouterHandler(apiKey string, opts ...OpenRouterOption) (*OpenRouterHandler, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openrouter api key is required", state.ErrInvalidInput)
	}
	h := &OpenRouterHandler{
		baseURL: DefaultOpenRouterBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *OpenRouterHandler) Provider() string { return "openrouter" }

// Healthy verifies credentials are present. The hosted API has no cheap
// unauthenticated probe worth spending a request on.
func (h *OpenRouterHandler) Healthy(ctx context.Context) error {
	if h.apiKey == "" {
		return fmt.Errorf("%w: api key missing", state.ErrInvalidInput)
	}
	return nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// stopReasons maps OpenAI finish reasons to the canonical dialect.
var stopReasons = map[string]string{
	"stop":       StopEndTurn,
	"length":     StopMaxTokens,
	"tool_calls": StopToolUse,
}

// Complete translates to OpenAI-style chat/completions and back.
func (h *OpenRouterHandler) Complete(ctx context.Context, model string, req *Request) (*Response, error) {
	oreq := openAIRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Tools:       req.Tools,
	}
	if req.System != "" {
		oreq.Messages = append(oreq.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		oreq.Messages = append(oreq.Messages, openAIMessage{Role: m.Role, Content: m.Content.Flatten()})
	}

	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	httpReq.Header.Set("HTTP-Referer", identityReferer)
	httpReq.Header.Set("X-Title", identityTitle)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &upstreamError{status: resp.StatusCode, message: upstreamMessage(raw)}
	}

	var oresp openAIResponse
	if err := json.Unmarshal(raw, &oresp); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	if len(oresp.Choices) == 0 {
		return nil, &upstreamError{status: http.StatusBadGateway, message: "upstream returned no choices"}
	}

	choice := oresp.Choices[0]
	stop, ok := stopReasons[choice.FinishReason]
	if !ok {
		stop = StopEndTurn
	}

	id := oresp.ID
	if id == "" {
		id = "msg_" + uuid.New().String()
	}

	return &Response{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      "openrouter/" + model,
		Content:    []Block{{Type: BlockText, Text: choice.Message.Content}},
		StopReason: stop,
		Usage: Usage{
			InputTokens:  oresp.Usage.PromptTokens,
			OutputTokens: oresp.Usage.CompletionTokens,
		},
	}, nil
}
