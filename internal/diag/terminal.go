package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认 stderr）。
// - TTY: 进度单行 \r 覆盖；非 TTY: 仅关键节点分行打印。
// - 颜色由 lipgloss 渲染器按 writer 能力决定，非终端输出纯文本。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	tagOK   lipgloss.Style
	tagFail lipgloss.Style
	tagInfo lipgloss.Style
	dim     lipgloss.Style

	concurrency  int
	llm          string
	files        int
	batchesTotal int
	batchesDone  int
	errCount     int
	runStart     time.Time

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供 pipeline 旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			if fi, err := f.Stat(); err == nil {
				t.isTTY = fi.Mode()&os.ModeCharDevice != 0
			}
		}
	}
	r := lipgloss.NewRenderer(w)
	t.tagOK = r.NewStyle().Bold(true).Foreground(lipgloss.Color("#3FB950"))
	t.tagFail = r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	t.tagInfo = r.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	t.dim = r.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	return t
}

// RunStart: 记录运行上下文（并发、LLM、文件数、批数）。
func (t *Terminal) RunStart(concurrency int, llm string, files, batches int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.concurrency = concurrency
	t.llm = llm
	t.files = files
	t.batchesTotal = batches
	t.batchesDone = 0
	t.errCount = 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("%s 并发=%d | llm=%s | 文件 %d | 批次 %d",
		t.tagInfo.Render("[run]"), concurrency, safe(llm), files, batches))
}

// BatchProgress: 批阶段进度（TTY，≥100ms 节流）。
func (t *Terminal) BatchProgress(done, total, errs int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.batchesDone = done
	t.batchesTotal = total
	t.errCount = errs
	if !t.isTTY {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("%s 进度 %d/%d | 错误 %d | 并发 %d | 用时 %s",
		t.tagInfo.Render("[map]"), done, total, errs, t.concurrency, formatSince(t.runStart)))
}

// SynthesisStart: 批阶段结束，进入汇总。
func (t *Terminal) SynthesisStart(batches int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	t.println(fmt.Sprintf("%s 汇总 %d 份批报告 %s",
		t.tagInfo.Render("[reduce]"), batches, t.dim.Render("| 用时 "+formatSince(t.runStart))))
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	tag := t.tagOK.Render("[ok]")
	if !ok {
		tag = t.tagFail.Render("[fail]")
	}
	t.println(fmt.Sprintf("%s 全部完成 | 文件 %d | 批次 %d/%d | 总用时 %s",
		tag, t.files, t.batchesDone, t.batchesTotal, formatDur(dur)))
}

func (t *Terminal) clearInline() {
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
}

func (t *Terminal) println(s string) {
	if !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if !t.enabled {
		return
	}
	// 新行比旧行短时以空格覆盖残留
	l := lipgloss.Width(s)
	pad := 0
	if t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	b.WriteString(strings.Repeat(" ", pad))
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = l
}

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
