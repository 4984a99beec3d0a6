package contract

import "context"

// CompletionOptions: 单次完成调用的确定性参数。
// Temperature 取值 [0,1]；MaxTokens 为正。
type CompletionOptions struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// CompletionGateway: 外部 LLM 完成服务（不透明的请求/响应）。
// 约束：
//  1. 实例构造成功即代表可用；未配置时由工厂返回 ErrInitialization，不提供“是否就绪”标志；
//  2. 传输/服务失败返回包装 ErrUpstreamService 的错误，核心不解释、不重试；
//  3. 成功时返回字符串（可能为空，由校验门拒绝）；
//  4. ctx 取消/超时需尽快返回；
//  5. 无状态、可并发调用。
type CompletionGateway interface {
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error)
}

// GatewayFunc 允许以函数充当网关（测试替身/装饰器）。
type GatewayFunc func(ctx context.Context, prompt string, opts CompletionOptions) (string, error)

func (f GatewayFunc) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	return f(ctx, prompt, opts)
}

// DefaultSystemPrompt: 完成请求的默认系统角色。
const DefaultSystemPrompt = "You are an expert M&A financial analyst."
