package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// DefaultOllamaBaseURL is the conventional local server address.
const DefaultOllamaBaseURL = "http://localhost:11434"

// OllamaHandler talks to a local Ollama-compatible server.
type OllamaHandler struct {
	baseURL string
	client  *http.Client
}

// OllamaOption configures an OllamaHandler.
type OllamaOption func(*OllamaHandler)

// WithOllamaClient substitutes the transport, mainly for tests.
func WithOllamaClient(client *http.Client) OllamaOption {
	return func(h *OllamaHandler) {
		if client != nil {
			h.client = client
		}
	}
}

// NewOllamaHandler creates a handler for the local server at baseURL.
// Empty baseURL uses the conventional default.
func NewOllamaHandler(baseURL string, opts ...OllamaOption) *OllamaHandler {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	h := &OllamaHandler{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *OllamaHandler) Provider() string { return "ollama" }

// Healthy probes the server root; Ollama answers 200 there.
func (h *OllamaHandler) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return h.connectionError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &upstreamError{status: resp.StatusCode, message: "local model server unhealthy"}
	}
	return nil
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Complete translates the canonical request to Ollama's chat format.
// The system prompt becomes the first system message; block content is
// flattened to text.
func (h *OllamaHandler) Complete(ctx context.Context, model string, req *Request) (*Response, error) {
	or := ollamaRequest{Model: model, Stream: false}

	if req.System != "" {
		or.Messages = append(or.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		or.Messages = append(or.Messages, ollamaMessage{Role: m.Role, Content: m.Content.Flatten()})
	}

	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if len(options) > 0 {
		or.Options = options
	}

	body, err := json.Marshal(or)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, h.connectionError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &upstreamError{status: resp.StatusCode, message: upstreamMessage(raw)}
	}

	var or2 ollamaResponse
	if err := json.Unmarshal(raw, &or2); err != nil {
		return nil, fmt.Errorf("decode local model response: %w", err)
	}
	if or2.Error != "" {
		return nil, &upstreamError{status: http.StatusBadGateway, message: or2.Error}
	}

	stop := StopEndTurn
	if or2.DoneReason == "length" {
		stop = StopMaxTokens
	}

	return &Response{
		ID:         "msg_" + uuid.New().String(),
		Type:       "message",
		Role:       "assistant",
		Model:      "ollama/" + model,
		Content:    []Block{{Type: BlockText, Text: or2.Message.Content}},
		StopReason: stop,
		Usage: Usage{
			InputTokens:  or2.PromptEvalCount,
			OutputTokens: or2.EvalCount,
		},
	}, nil
}

// connectionError turns a refused connection into guidance the user can
// act on.
func (h *OllamaHandler) connectionError(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), "connection refused") {
		return &upstreamError{
			status:  http.StatusBadGateway,
			message: fmt.Sprintf("cannot reach local model server at %s; start it with `ollama serve`", h.baseURL),
		}
	}
	return err
}

// upstreamMessage extracts a provider error message from a raw body,
// falling back to the body text.
func upstreamMessage(raw []byte) string {
	var e struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != nil {
		switch v := e.Error.(type) {
		case string:
			return v
		case map[string]any:
			if msg, ok := v["message"].(string); ok {
				return msg
			}
		}
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = "upstream error"
	}
	return msg
}
