package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"ddreport/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL        string `yaml:"base_url"`    // https://generativelanguage.googleapis.com
	Model          string `yaml:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv      string `yaml:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	SystemPrompt   string `yaml:"system_prompt"`
	// 可覆盖默认 /v1beta/models/{model}:generateContent；支持 {model} 占位
	EndpointPath  string            `yaml:"endpoint_path"`
	APIKeyInQuery *bool             `yaml:"api_key_in_query"` // 默认 true；false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `yaml:"extra_headers"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = contract.DefaultSystemPrompt
	}
}

type Client struct {
	hc       *http.Client
	endpoint string // 含 {model} 占位
	model    string
	apiKey   string
	inQuery  bool
	system   string
	extraH   map[string]string
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
		return nil, fmt.Errorf("gemini: %w: missing api key (%s)", contract.ErrInitialization, o.APIKeyEnv)
	}
	ep := o.EndpointPath
	if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
		ep = strings.TrimRight(o.BaseURL, "/") + "/" + strings.TrimLeft(ep, "/")
	}
	return &Client{
		hc:       &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second},
		endpoint: ep,
		model:    o.Model,
		apiKey:   key,
		inQuery:  *o.APIKeyInQuery,
		system:   o.SystemPrompt,
		extraH:   o.ExtraHeaders,
	}, nil
}

// 请求/响应（最小字段）。
type gmPart struct {
	Text string `json:"text"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type gmReq struct {
	SystemInstruction *gmContent         `json:"systemInstruction,omitempty"`
	Contents          []gmContent        `json:"contents"`
	GenerationConfig  gmGenerationConfig `json:"generationConfig"`
}

type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []gmPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }
func (e upstreamError) Unwrap() []error {
	if e.status == http.StatusTooManyRequests {
		return []error{contract.ErrUpstreamService, contract.ErrRateLimited}
	}
	return []error{contract.ErrUpstreamService}
}

func (c *Client) requestURL(model string) (string, error) {
	u, err := url.Parse(strings.ReplaceAll(c.endpoint, "{model}", url.PathEscape(model)))
	if err != nil {
		return "", err
	}
	if c.inQuery {
		q := u.Query()
		q.Set("key", c.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Complete: 单次同步调用；多个 part 按序拼接。
func (c *Client) Complete(ctx context.Context, prompt string, opts contract.CompletionOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(&gmReq{
		SystemInstruction: &gmContent{Parts: []gmPart{{Text: c.system}}},
		Contents:          []gmContent{{Role: "user", Parts: []gmPart{{Text: prompt}}}},
		GenerationConfig:  gmGenerationConfig{Temperature: opts.Temperature, MaxOutputTokens: opts.MaxTokens},
	})
	if err != nil {
		return "", fmt.Errorf("gemini encode: %w", err)
	}
	u, err := c.requestURL(model)
	if err != nil {
		return "", fmt.Errorf("gemini: %w: invalid url: %v", contract.ErrInitialization, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini: %w: %v", contract.ErrInitialization, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("gemini: %w: %w", contract.ErrUpstreamService, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", upstreamError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
	}
	var gr gmResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("gemini decode: %w: %v", contract.ErrUpstreamService, err)
	}
	if len(gr.Candidates) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

var _ contract.CompletionGateway = (*Client)(nil)
