package prompt

// Estimator: 近似 token 估算函数。
type Estimator func(s string) int

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) Estimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// RequestTokens 估算一次完成请求占用的 token：提示词估算 + 输出上限。
// 用于限流门按 TPM 预扣。maxOutput<0 视为 0。
func RequestTokens(prompt string, maxOutput int, bytesPerToken int) int {
	if maxOutput < 0 {
		maxOutput = 0
	}
	return MakeEstimator(bytesPerToken)(prompt) + maxOutput
}
