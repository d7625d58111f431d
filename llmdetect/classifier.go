// Package llmdetect is the fallback classifier: when the rule engine
// finds nothing in a recent-log window, the window is sent to an
// OpenAI-dialect chat endpoint with a closed menu of anomaly kinds. Any
// transport or parsing failure is a silent no-op; detection is best
// effort and must never break the monitoring loop.
package llmdetect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/501336North/oss-supervisor/analyzer"
)

// DefaultTimeout bounds a single classification request.
const DefaultTimeout = 30 * time.Second

// DefaultConfidenceFloor is the minimum confidence for a detection to
// be acted on.
const DefaultConfidenceFloor = 0.7

// DefaultModel is used when the config names no classifier model.
const DefaultModel = "gpt-4o-mini"

// kindMenu is the closed set of kinds offered to the model. Anything
// outside it is discarded.
var kindMenu = map[string]analyzer.IssueKind{}

func init() {
	for _, k := range []analyzer.IssueKind{
		analyzer.IssueLoopDetected, analyzer.IssueExplicitFailure,
		analyzer.IssuePhaseStuck, analyzer.IssueSilence,
		analyzer.IssueTDDViolation, analyzer.IssueOutOfOrder,
		analyzer.IssueMissingMilestones, analyzer.IssueAbruptStop,
		analyzer.IssueAbandonedAgent, analyzer.IssueDecliningVelocity,
		analyzer.IssueRegression,
	} {
		kindMenu[string(k)] = k
	}
}

// Detection is a confident classification of a log window.
type Detection struct {
	Kind           analyzer.IssueKind `json:"kind"`
	Confidence     float64            `json:"confidence"`
	Context        map[string]any     `json:"context,omitempty"`
	SuggestedAgent string             `json:"suggested_agent,omitempty"`
	Prompt         string             `json:"prompt,omitempty"`
}

// Classifier sends log windows to an external chat-completions endpoint.
type Classifier struct {
	endpoint string
	apiKey   string
	model    string
	floor    float64
	client   *http.Client
	logger   *slog.Logger
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithModel sets the model identifier sent upstream.
func WithModel(model string) ClassifierOption {
	return func(c *Classifier) {
		if model != "" {
			c.model = model
		}
	}
}

// WithConfidenceFloor overrides the minimum actionable confidence.
func WithConfidenceFloor(floor float64) ClassifierOption {
	return func(c *Classifier) {
		if floor > 0 && floor <= 1 {
			c.floor = floor
		}
	}
}

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(client *http.Client) ClassifierOption {
	return func(c *Classifier) {
		if client != nil {
			c.client = client
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClassifierOption {
	return func(c *Classifier) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClassifierOption {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClassifier creates a Classifier for the given chat-completions
// endpoint. The API key may be empty for unauthenticated local servers.
func NewClassifier(endpoint, apiKey string, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    DefaultModel,
		floor:    DefaultConfidenceFloor,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const systemPrompt = `You classify development-workflow log excerpts. Respond with a single JSON object and nothing else:
{"kind": "<one of the listed kinds or none>", "confidence": <0..1>, "context": {<string keys>}, "suggested_agent": "<agent name>", "prompt": "<one-paragraph remediation instruction>"}
Valid kinds: %s.
Use "none" with confidence 0 when the excerpt shows no problem.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify sends the window for classification. Nil means no actionable
// detection, whether because the window is clean, the confidence is
// below the floor, or the request failed.
func (c *Classifier) Classify(ctx context.Context, window string) *Detection {
	if strings.TrimSpace(window) == "" || c.endpoint == "" {
		return nil
	}

	menu := make([]string, 0, len(kindMenu))
	for name := range kindMenu {
		menu = append(menu, name)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, strings.Join(menu, ", "))},
			{Role: "user", Content: window},
		},
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("llm classification request failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("llm classification non-200", "status", resp.StatusCode)
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil || len(cr.Choices) == 0 {
		c.logger.Debug("llm classification unparsable response")
		return nil
	}

	det := parseDetection(cr.Choices[0].Message.Content)
	if det == nil {
		return nil
	}
	if det.Confidence < c.floor {
		c.logger.Debug("llm classification below confidence floor",
			"kind", det.Kind, "confidence", det.Confidence)
		return nil
	}
	return det
}

// parseDetection extracts the detection object from model output. The
// model may wrap JSON in prose or code fences; extraction is lenient.
func parseDetection(content string) *Detection {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil
	}

	var raw struct {
		Kind           string         `json:"kind"`
		Confidence     float64        `json:"confidence"`
		Context        map[string]any `json:"context"`
		SuggestedAgent string         `json:"suggested_agent"`
		Prompt         string         `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil
	}

	kind, ok := kindMenu[raw.Kind]
	if !ok {
		return nil
	}
	if raw.Confidence < 0 || raw.Confidence > 1 {
		return nil
	}
	return &Detection{
		Kind:           kind,
		Confidence:     raw.Confidence,
		Context:        raw.Context,
		SuggestedAgent: raw.SuggestedAgent,
		Prompt:         raw.Prompt,
	}
}
