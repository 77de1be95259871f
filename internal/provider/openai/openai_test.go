package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/brandlens/brandlens/internal/provider"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test-key", srv.URL, "gpt-4o", 0.2, 512, 5*time.Second, rate.NewLimiter(rate.Inf, 1))
}

func TestInvokeSuccess(t *testing.T) {
	var gotAuth string
	var gotReq request
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "I recommend Acme."}},
			},
		})
	})

	out := a.Invoke(context.Background(), "Acme", "what is the best crm?")
	if !out.Success {
		t.Fatalf("expected success, got %+v", out.Err)
	}
	if out.Answer != "I recommend Acme." {
		t.Fatalf("answer = %q", out.Answer)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o" || len(gotReq.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", gotReq)
	}
	if gotReq.Messages[1].Content != "what is the best crm?" {
		t.Fatalf("user message = %q", gotReq.Messages[1].Content)
	}
}

func TestInvokeClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status int
		want   provider.ErrorKind
	}{
		{http.StatusTooManyRequests, provider.ErrorTransient},
		{http.StatusServiceUnavailable, provider.ErrorTransient},
		{http.StatusUnauthorized, provider.ErrorFatal},
	}
	for _, tc := range cases {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		out := a.Invoke(context.Background(), "Acme", "q")
		if out.Success {
			t.Fatalf("status %d: expected failure", tc.status)
		}
		if out.Err.Kind != tc.want {
			t.Fatalf("status %d: kind = %s, want %s", tc.status, out.Err.Kind, tc.want)
		}
	}
}

func TestInvokeAPIErrorIsFatal(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "model does not exist"},
		})
	})
	out := a.Invoke(context.Background(), "Acme", "q")
	if out.Success || out.Err.Kind != provider.ErrorFatal {
		t.Fatalf("expected fatal error, got %+v", out)
	}
}

func TestInvokeEmptyChoicesIsTransient(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	})
	out := a.Invoke(context.Background(), "Acme", "q")
	if out.Success || !out.Err.Transient() {
		t.Fatalf("expected transient error, got %+v", out)
	}
}

func TestInvokeHonorsContext(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := a.Invoke(ctx, "Acme", "q")
	if out.Success || !out.Err.Transient() {
		t.Fatalf("context expiry must surface as a transient failure, got %+v", out)
	}
}
