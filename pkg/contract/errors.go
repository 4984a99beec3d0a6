package contract

import (
	"errors"
	"fmt"
)

// 最小错误分类：核心只依赖以下哨兵，调用方用 errors.Is 区分。
var (
	// ErrInitialization: 网关未配置/不可用（缺少密钥、未注册的客户端等）。致命，立即上抛。
	ErrInitialization = errors.New("initialization failed")
	// ErrUpstreamService: 完成服务的网络/服务失败。原样上抛，核心不做重试。
	ErrUpstreamService = errors.New("upstream service error")
	// ErrInvalidResponse: 响应缺失、为空或非文本。
	ErrInvalidResponse = errors.New("invalid response")
	// ErrTemplateResponse: 响应命中禁用短语词表（模型“讲方法”而非“做分析”）。
	ErrTemplateResponse = errors.New("template response")
	// ErrInvalidInput: 调用方违反输入契约（空批、空文档、索引越界等）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrRateLimited: 上游或本地限流拒绝。
	ErrRateLimited = errors.New("rate limited")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如单请求 token 上限）。
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// TemplateResponseError 携带命中的短语，便于日志区分“模型敷衍”的具体原因。
type TemplateResponseError struct {
	Phrase string
}

func (e *TemplateResponseError) Error() string {
	return fmt.Sprintf("%s: matched %q", ErrTemplateResponse.Error(), e.Phrase)
}

func (e *TemplateResponseError) Unwrap() error { return ErrTemplateResponse }
