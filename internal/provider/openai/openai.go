package openai

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

const defaultAPIURL = "https://api.openai.com/v1/chat/completions"

const systemPrompt = "You are a helpful assistant answering a consumer question. " +
	"Name the specific products, companies and brands you would actually recommend, in order of preference, and explain briefly why."

// Adapter implements the provider capability against OpenAI's chat
// completions API. One adapter is constructed per configured model.
type Adapter struct {
	apiKey      string
	apiURL      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	limiter     *rate.Limiter
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// New creates an OpenAI adapter for a single model.
func New(apiKey, baseURL, model string, temperature float64, maxTokens int, timeout time.Duration, limiter *rate.Limiter) *Adapter {
	url := defaultAPIURL
	if baseURL != "" {
		url = strings.TrimRight(baseURL, "/") + "/v1/chat/completions"
	}
	return &Adapter{
		apiKey:      apiKey,
		apiURL:      url,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiter,
	}
}

func (a *Adapter) Name() string { return "openai" }

// Invoke asks the model one question and returns the raw answer.
func (a *Adapter) Invoke(ctx context.Context, brand, question string) provider.Outcome {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return provider.FailureOutcome(err)
		}
	}

	body, err := json.Marshal(request{
		Model: a.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: question},
		},
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	if err != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorFatal, Message: fmt.Sprintf("marshal request: %v", err)}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorFatal, Message: fmt.Sprintf("build request: %v", err)}}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return provider.FailureOutcome(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := provider.ClassifyStatus(resp.StatusCode)
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: kind, Message: fmt.Sprintf("openai returned status %d", resp.StatusCode)}}
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorTransient, Message: fmt.Sprintf("parse response: %v", err)}}
	}
	if out.Error != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorFatal, Message: out.Error.Message}}
	}
	if len(out.Choices) == 0 {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorTransient, Message: "empty choices in response"}}
	}

	return provider.Outcome{Success: true, Answer: out.Choices[0].Message.Content}
}
