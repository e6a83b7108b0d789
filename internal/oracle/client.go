package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o"
	DefaultMaxTokens   = 512
	DefaultTemperature = 0.3
	DefaultTimeout     = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 1 << 20
)

const systemPrompt = "You are a smart environmental alert analyst. " +
	"You receive sensor anomalies and decide which response actions to take. " +
	`Answer with a single JSON object: {"actions": [...], "rationale": "..."}.`

// ClientConfig configures an OpenAI-compatible chat completions client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

// Client implements Oracle against an OpenAI-compatible chat completions API.
type Client struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewClient creates a chat completions client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oracle API key is required")
	}
	c := &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return c, nil
}

// Consult asks the model for a verdict. Transport, status and decoding
// failures are reported as *models.OracleUnavailableError.
func (c *Client) Consult(ctx context.Context, req Request) (*Verdict, error) {
	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
		MaxTokens:      c.maxTokens,
		Temperature:    DefaultTemperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	body, err := c.makeRequest(ctx, "/chat/completions", request)
	if err != nil {
		return nil, &models.OracleUnavailableError{Reason: "request failed", Err: err}
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &models.OracleUnavailableError{Reason: "malformed response", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &models.OracleUnavailableError{Reason: "no choices in response"}
	}

	verdict, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, &models.OracleUnavailableError{Reason: "unparseable verdict", Err: err}
	}
	return verdict, nil
}

// makeRequest posts payload and returns the body of a 200 response.
func (c *Client) makeRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(responseBody)))
	}
	return responseBody, nil
}

// parseVerdict decodes the model's JSON answer. Markdown code fences around
// the object are tolerated.
func parseVerdict(content string) (*Verdict, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	var v Verdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	a := req.Anomaly
	if a != nil {
		fmt.Fprintf(&b, "Device %s reported a %s severity anomaly at %s (confidence %.2f).\n",
			a.DeviceID, a.Severity, a.Timestamp.Format(time.RFC3339), a.Confidence)
		b.WriteString("Detector findings:\n")
		for _, r := range a.Results {
			fmt.Fprintf(&b, "- %s: %s by %s, value %.3f, threshold %.3f, score %.3f\n",
				r.Field, r.Category, r.DetectorKind, r.Value, r.Threshold, r.Score)
		}
		if len(a.Correlations) > 0 {
			b.WriteString("Cross-sensor correlations:\n")
			for _, c := range a.Correlations {
				fmt.Fprintf(&b, "- %s and %s (score %.2f): %s\n", c.Fields[0], c.Fields[1], c.Score, c.Description)
			}
		}
	}
	if len(req.History) > 0 {
		b.WriteString("Readings before this anomaly (oldest first):\n")
		for _, r := range req.History {
			fmt.Fprintf(&b, "- %s pm2_5=%.2f pm10=%.2f dBA=%.2f vibration=%.4f\n",
				r.Timestamp.Format(time.RFC3339),
				r.Values[models.FieldPM25], r.Values[models.FieldPM10],
				r.Values[models.FieldDBA], r.Values[models.FieldVibration])
		}
	} else {
		b.WriteString("No prior readings are available.\n")
	}
	allowed := make([]string, len(req.AllowedActions))
	for i, act := range req.AllowedActions {
		allowed[i] = string(act)
	}
	fmt.Fprintf(&b, "Choose one or more actions from [%s] and justify briefly.\n", strings.Join(allowed, ", "))
	return b.String()
}
