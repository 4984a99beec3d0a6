package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 规范化路径，统一为跨平台稳定的 FileID。
// 规则：
// - 反斜杠统一为正斜杠
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, "\\", "/")))
}

// BaseName 返回规范化后的最后一段（用于报告中的文件名展示）。
func BaseName(p string) string {
	return path.Base(string(NormalizeFileID(p)))
}
