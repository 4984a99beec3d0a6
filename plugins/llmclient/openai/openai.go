package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"ddreport/pkg/contract"
)

// Options: OpenAI 兼容 chat/completions 配置（OpenAI/OpenRouter 等，经 base_url 切换）。
type Options struct {
	BaseURL string `yaml:"base_url"` // 例如 https://openrouter.ai/api/v1
	Model   string `yaml:"model"`    // 调用未指定模型时使用
	// 依次尝试的备用模型；主模型上游失败或无候选时换下一个
	FallbackModels []string          `yaml:"fallback_models"`
	APIKeyEnv      string            `yaml:"api_key_env"`     // 优先从环境变量读取
	APIKey         string            `yaml:"api_key"`         // 明文传入（仅测试）
	TimeoutSeconds int               `yaml:"timeout_seconds"` // 单个模型请求超时（秒）
	SystemPrompt   string            `yaml:"system_prompt"`   // 为空使用 contract.DefaultSystemPrompt
	ExtraHeaders   map[string]string `yaml:"extra_headers"`   // 如 OpenRouter 的 HTTP-Referer / X-Title
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = contract.DefaultSystemPrompt
	}
}

// Client: 构造成功即可用。SDK 自带重试关闭，每个模型只请求一次。
type Client struct {
	api      sdk.Client
	model    string
	fallback []string
	system   string
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
		return nil, fmt.Errorf("openai: %w: missing api key (%s)", contract.ErrInitialization, o.APIKeyEnv)
	}
	ro := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithBaseURL(strings.TrimRight(o.BaseURL, "/") + "/"),
		option.WithHTTPClient(&http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}),
		option.WithMaxRetries(0),
	}
	for k, v := range o.ExtraHeaders {
		if k != "" {
			ro = append(ro, option.WithHeader(k, v))
		}
	}
	return &Client{
		api:      sdk.NewClient(ro...),
		model:    o.Model,
		fallback: o.FallbackModels,
		system:   o.SystemPrompt,
	}, nil
}

// upstreamError: 非 2xx 响应。errors.Is 命中 ErrUpstreamService；429 额外命中 ErrRateLimited。
type upstreamError struct {
	model  string
	status int
	msg    string
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("openai upstream %d (%s): %s", e.status, e.model, e.msg)
}
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }
func (e upstreamError) Unwrap() []error {
	if e.status == http.StatusTooManyRequests {
		return []error{contract.ErrUpstreamService, contract.ErrRateLimited}
	}
	return []error{contract.ErrUpstreamService}
}

// models 返回本次调用的模型顺序（去重）。opts.Model 非空时替换主模型。
func (c *Client) models(override string) []string {
	first := c.model
	if override != "" {
		first = override
	}
	out := []string{first}
	for _, m := range c.fallback {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		dup := false
		for _, have := range out {
			if have == m {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, m)
		}
	}
	return out
}

// Complete: 按模型顺序逐个尝试，首个成功即返回。
// 调用方取消时立即返回 ctx.Err()，不再尝试后续模型；全部失败时返回最后一个错误。
func (c *Client) Complete(ctx context.Context, prompt string, opts contract.CompletionOptions) (string, error) {
	models := c.models(opts.Model)
	var last error
	for i, m := range models {
		out, err := c.once(ctx, m, prompt, opts)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return "", cerr
			}
			last = err
			continue
		}
		// 无候选视同失败；最后一个模型的空结果交给校验门判定
		if out != "" || i == len(models)-1 {
			return out, nil
		}
	}
	if len(models) > 1 {
		return "", fmt.Errorf("openai: all %d models failed: %w", len(models), last)
	}
	return "", last
}

func (c *Client) once(ctx context.Context, model, prompt string, opts contract.CompletionOptions) (string, error) {
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(c.system),
			sdk.UserMessage(prompt),
		},
		Temperature: sdk.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(opts.MaxTokens))
	}
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return "", cerr
		}
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			msg := strings.TrimSpace(apiErr.Message)
			if msg == "" {
				msg = http.StatusText(apiErr.StatusCode)
			}
			return "", upstreamError{model: model, status: apiErr.StatusCode, msg: msg}
		}
		return "", fmt.Errorf("openai %s: %w: %w", model, contract.ErrUpstreamService, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

var _ contract.CompletionGateway = (*Client)(nil)
