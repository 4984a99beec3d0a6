package mock

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"ddreport/pkg/contract"
)

// Options: 无网络联调配置。
type Options struct {
	Prefix string `yaml:"prefix"` // 输出前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组，不参与任何网络请求。
	APIKey string `yaml:"api_key"`
	// ResponseMode:
	//  - "report"（默认）: 基于提示词首行生成确定性的简短分析文本；
	//  - "fixed": 返回 Text；
	//  - "echo": 回显提示词首行（完整提示词含禁用短语，会被校验门拒绝）；
	//  - "template": 返回典型“讲方法”响应（用于验证校验门）；
	//  - "empty": 返回空串。
	ResponseMode string `yaml:"response_mode"`
	Text         string `yaml:"text"`
	// LatencyMS: 每次调用的模拟延迟（响应 ctx 取消）。
	LatencyMS int `yaml:"latency_ms"`
	// FailOnCall: 第 N 次调用（1 起）返回上游错误；0 关闭。
	FailOnCall int `yaml:"fail_on_call"`
}

type Client struct {
	prefix  string
	mode    string
	text    string
	latency time.Duration
	failOn  int64
	calls   atomic.Int64
}

func New(opts *Options) (*Client, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	if mode == "" {
		mode = "report"
	}
	switch mode {
	case "report", "fixed", "echo", "template", "empty":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInitialization, mode)
	}
	return &Client{
		prefix:  o.Prefix,
		mode:    mode,
		text:    o.Text,
		latency: time.Duration(o.LatencyMS) * time.Millisecond,
		failOn:  int64(o.FailOnCall),
	}, nil
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int { return int(c.calls.Load()) }

func (c *Client) Complete(ctx context.Context, prompt string, opts contract.CompletionOptions) (string, error) {
	n := c.calls.Add(1)
	if c.latency > 0 {
		t := time.NewTimer(c.latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.failOn > 0 && n == c.failOn {
		return "", fmt.Errorf("mock: %w: injected failure on call %d", contract.ErrUpstreamService, n)
	}
	switch c.mode {
	case "fixed":
		return c.text, nil
	case "echo":
		first, _, _ := strings.Cut(prompt, "\n")
		return strings.TrimSpace(first), nil
	case "template":
		return "Here is how you would analyze these documents: [Insert revenue figures] ...", nil
	case "empty":
		return "", nil
	}
	first, _, _ := strings.Cut(prompt, "\n")
	return fmt.Sprintf("%s analysis (max_tokens=%d): %s\nRevenue: Not specified in documents.\nPrompt size: %d chars.",
		c.prefix, opts.MaxTokens, strings.TrimSpace(first), len([]rune(prompt))), nil
}

var _ contract.CompletionGateway = (*Client)(nil)
