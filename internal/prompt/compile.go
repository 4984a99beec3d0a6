package prompt

import (
	"strconv"
	"strings"

	"ddreport/pkg/contract"
)

// DefaultMaxDocumentChars: 单文档进入批提示词的字符上限（成本控制）。
// 超出部分静默截断，不加省略号、不告警。
const DefaultMaxDocumentChars = 12000

// Compiler: 纯函数式提示词编译器。
// 约束：
//  1. 无副作用、无 I/O；相同输入产出字节一致的输出；
//  2. 仅截断原始文档内容；批报告文本原样进入汇总提示词；
//  3. 对任意非空批不失败（空批属调用方违约，由编排器拦截）。
//
// 零值使用 DefaultMaxDocumentChars。
type Compiler struct {
	MaxDocumentChars int
}

func (c Compiler) limit() int {
	if c.MaxDocumentChars <= 0 {
		return DefaultMaxDocumentChars
	}
	return c.MaxDocumentChars
}

// Truncate 保留 s 的前 n 个字符（按 rune 计）。
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n { // 字节数不超过 n 时字符数必然不超过 n
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Batch 编译单批分析提示词。
func (c Compiler) Batch(b contract.Batch, ac contract.AnalysisContext) string {
	idx, total := strconv.Itoa(b.Index), strconv.Itoa(b.Total)
	limit := c.limit()

	var sb strings.Builder
	sb.WriteString("You are analyzing BATCH ")
	sb.WriteString(idx)
	sb.WriteString(" of ")
	sb.WriteString(total)
	sb.WriteString(" for a ")
	sb.WriteString(ac.DDType)
	sb.WriteString(" - ")
	sb.WriteString(ac.ReportFocus)
	sb.WriteString(".\n\nDOCUMENTS IN THIS BATCH:\n\n")

	for i, d := range b.Documents {
		k := strconv.Itoa(i + 1)
		sb.WriteString("=== DOCUMENT ")
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(d.Filename)
		sb.WriteString(" ===\n")
		sb.WriteString(Truncate(d.Content, limit))
		sb.WriteString("\n=== END DOCUMENT ")
		sb.WriteString(k)
		sb.WriteString(" ===\n\n")
	}

	sb.WriteString(batchInstructions)
	sb.WriteString("\nThis is batch ")
	sb.WriteString(idx)
	sb.WriteString(" of ")
	sb.WriteString(total)
	sb.WriteString(". Other batches are analyzed separately and merged later.\n")
	return sb.String()
}

// Synthesis 编译汇总提示词。批报告按给定顺序原样拼接，不截断。
func (c Compiler) Synthesis(reports []contract.BatchReport, sc contract.SynthesisContext) string {
	var sb strings.Builder
	sb.WriteString("You are preparing the final ")
	sb.WriteString(sc.DDType)
	sb.WriteString(" - ")
	sb.WriteString(sc.ReportFocus)
	sb.WriteString(" executive report.\n\n")
	sb.WriteString("Total files analyzed: ")
	sb.WriteString(strconv.Itoa(sc.TotalFiles))
	sb.WriteString("\nTotal batches: ")
	sb.WriteString(strconv.Itoa(len(reports)))
	sb.WriteString("\nChecklist: ")
	sb.WriteString(sc.ChecklistType)
	sb.WriteString("\n\nBATCH ANALYSIS RESULTS:\n")

	for _, r := range reports {
		sb.WriteString("\n")
		sb.WriteString(separator)
		sb.WriteString("\nBATCH ")
		sb.WriteString(strconv.Itoa(r.Index))
		sb.WriteString(" - ")
		sb.WriteString(strconv.Itoa(len(r.Filenames)))
		sb.WriteString(" FILES\nFiles: ")
		sb.WriteString(contract.JoinNames(r.Filenames))
		sb.WriteString("\n")
		sb.WriteString(separator)
		sb.WriteString("\n")
		sb.WriteString(r.Text)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(synthesisInstructions)
	return sb.String()
}

// CompileBatchPrompt 以默认截断上限编译批提示词。
func CompileBatchPrompt(b contract.Batch, ac contract.AnalysisContext) string {
	return Compiler{}.Batch(b, ac)
}

// CompileSynthesisPrompt 以默认配置编译汇总提示词。
func CompileSynthesisPrompt(reports []contract.BatchReport, sc contract.SynthesisContext) string {
	return Compiler{}.Synthesis(reports, sc)
}

const separator = "=================================================="

const batchInstructions = `ANALYSIS INSTRUCTIONS:
Extract the following from the documents above. Every figure must name the document it came from.

1. REVENUE & GROWTH
   - Revenue by period, growth rates, revenue mix and concentration.

2. PROFITABILITY
   - Gross profit, EBITDA, operating income, net income and the corresponding margins.

3. BALANCE SHEET
   - Cash, receivables, inventory, debt, total assets, liabilities and equity.

4. CASH FLOW
   - Operating cash flow, capital expenditure, free cash flow and working capital movements.

5. KEY FINDINGS
   - List 5-7 specific findings, each citing its source document.

6. RISKS
   - List 3-5 risks, each citing its source document and rated High, Medium or Low.

7. DATA QUALITY ASSESSMENT
   - State which periods are covered, which statements are missing and any inconsistencies between documents.

RULES:
- Use ONLY data present in the documents above. Do not estimate or invent figures.
- Tie every number to the document it was taken from.
- If a metric is absent, write "Not specified in documents".
- Perform the analysis itself. Do not describe how an analysis could be done.
`

const synthesisInstructions = `Using ONLY the batch analysis results above, write a structured executive report with these sections:

1. EXECUTIVE SUMMARY
   - Overall financial picture and the headline conclusion.

2. FINANCIAL METRICS
   - Consolidated revenue, profitability, balance sheet and cash flow figures, with the batch each came from.

3. RISK ASSESSMENT
   - All material risks across batches, rated High, Medium or Low.

4. OPERATIONAL ANALYSIS
   - Operational strengths and weaknesses evidenced in the batches.

5. VALUATION CONSIDERATIONS
   - Factors that affect valuation, based only on reported figures.

6. RECOMMENDATION
   - Proceed, proceed with conditions, or do not proceed, with reasons.

7. ADDITIONAL DILIGENCE REQUIRED
   - Specific documents or data still needed.

RULES:
- Use ONLY data contained in the batch analysis results. Do not invent figures.
- Where batches conflict, report both values and their batches.
- Never output placeholder, bracketed or templated text. Write the finished report.
`
