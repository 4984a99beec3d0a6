package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"ddreport/pkg/contract"
)

// 调用未给出 max_tokens 时的上限（Messages API 要求必填）
const defaultMaxTokens = 4096

// Options: Anthropic Messages API。
type Options struct {
	BaseURL        string `yaml:"base_url"` // 默认 https://api.anthropic.com
	Model          string `yaml:"model"`    // 默认 claude-haiku-4-5
	APIKeyEnv      string `yaml:"api_key_env"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	SystemPrompt   string `yaml:"system_prompt"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "claude-haiku-4-5"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = contract.DefaultSystemPrompt
	}
}

type Client struct {
	api    sdk.Client
	model  string
	system string
}

// New 构造客户端；缺少密钥时返回 ErrInitialization。
func New(opts *Options) (*Client, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.defaults()
	key := o.APIKey
	if key == "" {
		key = os.Getenv(o.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: %w: missing api key (%s)", contract.ErrInitialization, o.APIKeyEnv)
	}
	ro := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(&http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}),
		option.WithMaxRetries(0),
	}
	if o.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(strings.TrimRight(o.BaseURL, "/")+"/"))
	}
	return &Client{api: sdk.NewClient(ro...), model: o.Model, system: o.SystemPrompt}, nil
}

// upstreamError: 非 2xx 响应。429 额外命中 ErrRateLimited。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("anthropic upstream %d: %s", e.status, e.msg)
}
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }
func (e upstreamError) Unwrap() []error {
	if e.status == http.StatusTooManyRequests {
		return []error{contract.ErrUpstreamService, contract.ErrRateLimited}
	}
	return []error{contract.ErrUpstreamService}
}

// Complete: 单次同步调用；多个 text 块按顺序拼接，无文本块返回空串。
func (c *Client) Complete(ctx context.Context, prompt string, opts contract.CompletionOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	msg, err := c.api.Messages.New(ctx, sdk.MessageNewParams{
		Model:       sdk.Model(model),
		MaxTokens:   int64(maxTokens),
		System:      []sdk.TextBlockParam{{Text: c.system}},
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		Temperature: sdk.Float(opts.Temperature),
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return "", cerr
		}
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return "", upstreamError{status: apiErr.StatusCode, msg: http.StatusText(apiErr.StatusCode)}
		}
		return "", fmt.Errorf("anthropic: %w: %w", contract.ErrUpstreamService, err)
	}
	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

var _ contract.CompletionGateway = (*Client)(nil)
