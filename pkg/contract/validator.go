package contract

import (
	"fmt"
	"strings"
)

// DefaultBannedPhrases: 禁用短语词表（小写）。命中任一即视为模板化响应。
// 词表闭合、显式；仅做大小写不敏感的子串匹配，不做词干或模糊匹配。
var DefaultBannedPhrases = []string{
	"placeholder",
	"template",
	"[insert",
	"[company name]",
	"lorem ipsum",
	"here is how you would",
	"here's how you would",
	"here is how to",
	"here's how to",
	"you would need to",
	"you should analyze",
	"to conduct this analysis",
	"framework for analyzing",
	"analysis framework",
	"i cannot access",
	"i don't have access",
	"i do not have access",
	"as an ai",
	"hypothetical example",
	"sample report",
}

// ValidationGate: 判断完成服务的响应是否可信。与阶段无关（批分析与汇总共用）。
// 约束：
//  1. 缺失/非文本/空白文本 → ErrInvalidResponse；
//  2. 小写化文本包含任一禁用短语 → *TemplateResponseError（errors.Is ErrTemplateResponse）；
//  3. 通过时原样返回，不做任何修改或大小写转换。
//
// 零值使用 DefaultBannedPhrases。
type ValidationGate struct {
	phrases []string
}

// NewValidationGate 以给定词表构造校验门；phrases 为空时使用默认词表。
// 词表统一小写化并去除空项。
func NewValidationGate(phrases []string) ValidationGate {
	if len(phrases) == 0 {
		return ValidationGate{}
	}
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return ValidationGate{phrases: out}
}

// Phrases 返回生效词表（副本）。
func (g ValidationGate) Phrases() []string {
	src := g.phrases
	if len(src) == 0 {
		src = DefaultBannedPhrases
	}
	return append([]string(nil), src...)
}

// Validate 校验响应；resp 允许为 string 或 *string，其余类型一律视为非文本。
func (g ValidationGate) Validate(resp any) (string, error) {
	var text string
	switch v := resp.(type) {
	case string:
		text = v
	case *string:
		if v == nil {
			return "", fmt.Errorf("%w: response is nil", ErrInvalidResponse)
		}
		text = *v
	case nil:
		return "", fmt.Errorf("%w: response is absent", ErrInvalidResponse)
	default:
		return "", fmt.Errorf("%w: response is %T, not text", ErrInvalidResponse, resp)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: response is empty", ErrInvalidResponse)
	}
	lower := strings.ToLower(text)
	phrases := g.phrases
	if len(phrases) == 0 {
		phrases = DefaultBannedPhrases
	}
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return "", &TemplateResponseError{Phrase: p}
		}
	}
	return text, nil
}

// Validate 使用默认词表校验响应。
func Validate(resp any) (string, error) {
	return ValidationGate{}.Validate(resp)
}
