package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/brandlens/brandlens/internal/provider"
)

const defaultAPIURL = "https://api.anthropic.com/v1/messages"

const systemPrompt = "You are a helpful assistant answering a consumer question. " +
	"Name the specific products, companies and brands you would actually recommend, in order of preference, and explain briefly why."

// Adapter implements the provider capability against Anthropic's messages
// API. One adapter is constructed per configured model.
type Adapter struct {
	apiKey     string
	apiURL     string
	model      string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// New creates an Anthropic adapter for a single model.
func New(apiKey, baseURL, model string, maxTokens int, timeout time.Duration, limiter *rate.Limiter) *Adapter {
	url := defaultAPIURL
	if baseURL != "" {
		url = strings.TrimRight(baseURL, "/") + "/v1/messages"
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Adapter{
		apiKey:     apiKey,
		apiURL:     url,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

func (a *Adapter) Name() string { return "anthropic" }

// Invoke asks the model one question and returns the raw answer.
func (a *Adapter) Invoke(ctx context.Context, brand, question string) provider.Outcome {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return provider.FailureOutcome(err)
		}
	}

	body, err := json.Marshal(request{
		Model:     a.model,
		System:    systemPrompt,
		Messages:  []message{{Role: "user", Content: question}},
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorFatal, Message: fmt.Sprintf("marshal request: %v", err)}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorFatal, Message: fmt.Sprintf("build request: %v", err)}}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return provider.FailureOutcome(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := provider.ClassifyStatus(resp.StatusCode)
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: kind, Message: fmt.Sprintf("anthropic returned status %d", resp.StatusCode)}}
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorTransient, Message: fmt.Sprintf("parse response: %v", err)}}
	}
	if out.Error != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorFatal, Message: out.Error.Message}}
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorTransient, Message: "empty content in response"}}
	}

	return provider.Outcome{Success: true, Answer: sb.String()}
}
