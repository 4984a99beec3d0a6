package rate

import (
	"crypto/sha256"
	"fmt"
	"os"
)

// DeriveKey 从客户端标识与其 options 中提取 API Key，返回 client+sha256(key) 构造的分组键。
// 仅解析 "api_key" 与 "api_key_env"；mock 客户端缺省使用内置 "MOCK_DEBUG_KEY"。
// 同一密钥跨 provider 共享配额。
func DeriveKey(client string, opts map[string]any) (LimitKey, error) {
	pick := func(key string) string {
		if s, ok := opts[key].(string); ok {
			return s
		}
		return ""
	}
	key := pick("api_key")
	if key == "" {
		if env := pick("api_key_env"); env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" && client == "mock" {
		key = "MOCK_DEBUG_KEY"
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:])), nil
}
