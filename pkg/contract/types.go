package contract

import "strings"

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Document: 已解码为文本的输入文档。由摄取阶段产出，核心只读。
type Document struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Batch: 一次模型调用共同分析的有序文档组。
// 约束：
//  1. Documents 非空且顺序有意义（提示词与溯源均引用该顺序）；
//  2. Index 自 1 起，1 <= Index <= Total；
//  3. 由调用方构造，编排器消费一次。
type Batch struct {
	Index     int
	Total     int
	Documents []Document
}

// Filenames 返回批内文件名（保持顺序）。
func (b Batch) Filenames() []string {
	out := make([]string, 0, len(b.Documents))
	for _, d := range b.Documents {
		out = append(out, d.Filename)
	}
	return out
}

// AnalysisContext: 贯穿所有提示词的分类/关注点标签，原样嵌入。
type AnalysisContext struct {
	DDType      string `json:"dd_type" yaml:"dd_type"`
	ReportFocus string `json:"report_focus" yaml:"report_focus"`
}

// SynthesisContext: 汇总阶段上下文。
type SynthesisContext struct {
	AnalysisContext
	ChecklistType string `json:"checklist_type" yaml:"checklist_type"`
	TotalFiles    int    `json:"total_files"`
}

// BatchReport: 单批通过校验门后的文本。Index 与来源 Batch 一致。
type BatchReport struct {
	Index     int      `json:"index"`
	Filenames []string `json:"filenames"`
	Text      string   `json:"text"`
}

// FinalReport: 汇总阶段通过校验门后的文本，流水线的终态产物。
type FinalReport string

// Texts 按给定顺序抽取批报告文本。
func Texts(reports []BatchReport) []string {
	out := make([]string, len(reports))
	for i, r := range reports {
		out[i] = r.Text
	}
	return out
}

// JoinNames 以 ", " 连接文件名。
func JoinNames(names []string) string { return strings.Join(names, ", ") }
