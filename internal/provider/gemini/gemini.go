package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

const systemPrompt = "You are a helpful assistant answering a consumer question. " +
	"Name the specific products, companies and brands you would actually recommend, in order of preference, and explain briefly why."

// Adapter implements the provider capability against the Gemini
// generateContent API. One adapter is constructed per configured model.
type Adapter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type request struct {
	SystemInstruction *content  `json:"system_instruction,omitempty"`
	Contents          []content `json:"contents"`
}

type response struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// New creates a Gemini adapter for a single model.
func New(apiKey, baseURL, model string, timeout time.Duration, limiter *rate.Limiter) *Adapter {
	base := defaultBaseURL
	if baseURL != "" {
		base = strings.TrimRight(baseURL, "/")
	}
	return &Adapter{
		apiKey:     apiKey,
		baseURL:    base,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

func (a *Adapter) Name() string { return "gemini" }

// Invoke asks the model one question and returns the raw answer.
func (a *Adapter) Invoke(ctx context.Context, brand, question string) provider.Outcome {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return provider.FailureOutcome(err)
		}
	}

	body, err := json.Marshal(request{
		SystemInstruction: &content{Parts: []part{{Text: systemPrompt}}},
		Contents:          []content{{Role: "user", Parts: []part{{Text: question}}}},
	})
	if err != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorFatal, Message: fmt.Sprintf("marshal request: %v", err)}}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, a.model, a.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorFatal, Message: fmt.Sprintf("build request: %v", err)}}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return provider.FailureOutcome(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := provider.ClassifyStatus(resp.StatusCode)
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: kind, Message: fmt.Sprintf("gemini returned status %d", resp.StatusCode)}}
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorTransient, Message: fmt.Sprintf("parse response: %v", err)}}
	}
	if out.Error != nil {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorFatal, Message: out.Error.Message}}
	}

	var sb strings.Builder
	for _, cand := range out.Candidates {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	if sb.Len() == 0 {
		return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorTransient, Message: "empty candidates in response"}}
	}

	return provider.Outcome{Success: true, Answer: sb.String()}
}
