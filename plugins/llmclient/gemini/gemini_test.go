package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ddreport/pkg/contract"
)

func TestCompleteRequestAndParts(t *testing.T) {
	var got gmReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-test:generateContent" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "g-key" {
			t.Errorf("missing key query")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"EBITDA "},{"text":"$4M"}]}}]}`))
	}))
	defer srv.Close()
	c, err := New(&Options{BaseURL: srv.URL, APIKey: "g-key", Model: "gemini-test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := c.Complete(context.Background(), "prompt", contract.CompletionOptions{Temperature: 0.2, MaxTokens: 4000})
	if err != nil || out != "EBITDA $4M" {
		t.Fatalf("out=%q err=%v", out, err)
	}
	if got.GenerationConfig.MaxOutputTokens != 4000 || got.GenerationConfig.Temperature != 0.2 {
		t.Fatalf("generation config: %+v", got.GenerationConfig)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != contract.DefaultSystemPrompt {
		t.Fatalf("system instruction missing")
	}
	if len(got.Contents) != 1 || got.Contents[0].Parts[0].Text != "prompt" {
		t.Fatalf("contents: %+v", got.Contents)
	}
}

func TestCompleteHeaderKeyAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "g-key" || r.URL.Query().Get("key") != "" {
			t.Errorf("key should be in header only")
		}
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	f := false
	c, err := New(&Options{BaseURL: srv.URL, APIKey: "g-key", APIKeyInQuery: &f})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.Complete(context.Background(), "p", contract.CompletionOptions{})
	var ue contract.UpstreamError
	if !errors.Is(err, contract.ErrUpstreamService) || !errors.As(err, &ue) || ue.UpstreamStatus() != 503 {
		t.Fatalf("want upstream 503, got %v", err)
	}
}

func TestNewMissingKey(t *testing.T) {
	t.Setenv("DD_TEST_GEMINI_EMPTY", "")
	if _, err := New(&Options{APIKeyEnv: "DD_TEST_GEMINI_EMPTY"}); !errors.Is(err, contract.ErrInitialization) {
		t.Fatalf("want ErrInitialization, got %v", err)
	}
}
