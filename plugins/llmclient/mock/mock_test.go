package mock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ddreport/internal/prompt"
	"ddreport/pkg/contract"
)

func TestReportModePassesGate(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := c.Complete(context.Background(), "You are analyzing BATCH 1 of 2.\nbody", contract.CompletionOptions{MaxTokens: 2000})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !strings.Contains(out, "BATCH 1 of 2") || !strings.HasPrefix(out, "MOCK") {
		t.Fatalf("out=%q", out)
	}
	if _, err := contract.Validate(out); err != nil {
		t.Fatalf("report mode must pass the gate: %v", err)
	}
	if c.Calls() != 1 {
		t.Fatalf("calls=%d", c.Calls())
	}
}

func TestModes(t *testing.T) {
	cases := []struct {
		mode string
		want string
	}{
		{"fixed", "FIXED"},
		{"echo", "hello"},
		{"empty", ""},
	}
	for _, tc := range cases {
		c, _ := New(&Options{ResponseMode: tc.mode, Text: "FIXED"})
		out, err := c.Complete(context.Background(), "hello", contract.CompletionOptions{})
		if err != nil || out != tc.want {
			t.Fatalf("%s: out=%q err=%v", tc.mode, out, err)
		}
	}
	// echo 全流程可通过校验门
	c, _ := New(&Options{ResponseMode: "echo"})
	for _, p := range []string{
		prompt.Compiler{}.Batch(contract.Batch{Index: 1, Total: 1, Documents: []contract.Document{{Filename: "a.txt", Content: "x"}}}, contract.AnalysisContext{DDType: "M&A", ReportFocus: "Financial"}),
		prompt.Compiler{}.Synthesis([]contract.BatchReport{{Index: 1, Text: "ok"}}, contract.SynthesisContext{TotalFiles: 1}),
	} {
		out, _ := c.Complete(context.Background(), p, contract.CompletionOptions{})
		if _, err := contract.Validate(out); err != nil {
			t.Fatalf("echo output rejected: %q %v", out, err)
		}
	}
	c, _ = New(&Options{ResponseMode: "template"})
	out, _ := c.Complete(context.Background(), "x", contract.CompletionOptions{})
	if _, err := contract.Validate(out); !errors.Is(err, contract.ErrTemplateResponse) {
		t.Fatalf("template mode should be rejected: %v", err)
	}
	if _, err := New(&Options{ResponseMode: "bogus"}); !errors.Is(err, contract.ErrInitialization) {
		t.Fatalf("unknown mode: %v", err)
	}
}

func TestFailOnCallAndLatency(t *testing.T) {
	c, _ := New(&Options{FailOnCall: 2})
	if _, err := c.Complete(context.Background(), "a", contract.CompletionOptions{}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := c.Complete(context.Background(), "b", contract.CompletionOptions{}); !errors.Is(err, contract.ErrUpstreamService) {
		t.Fatalf("second should fail: %v", err)
	}

	slow, _ := New(&Options{LatencyMS: 5000})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := slow.Complete(ctx, "x", contract.CompletionOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline, got %v", err)
	}
}
