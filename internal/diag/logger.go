package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// DefaultLogDir: 日志默认目录（相对工作目录）。
const DefaultLogDir = "logs"

// Logger 为最小结构化日志器：单行 JSON 写入轮转文件；sink 不可用时回落 stderr。
type Logger struct {
	runID string
	level Level
	sink  *RotatingFile
	mu    sync.Mutex
}

// NewLogger 通过配置的 level 初始化，并将日志写入 logs/ddreport-current.txt，10m 轮转。
func NewLogger(runID, level string) *Logger {
	return NewLoggerIn(DefaultLogDir, runID, level)
}

// NewLoggerIn 指定日志目录；dir 为空时仅写 stderr。
func NewLoggerIn(dir, runID, level string) *Logger {
	l := &Logger{runID: runID, level: parseLevel(strings.TrimSpace(level))}
	if dir != "" {
		l.sink = NewRotatingFile(dir, 10*1024*1024)
	}
	return l
}

// Nop 返回丢弃全部事件的日志器（测试与未配置场景）。
func Nop() *Logger { return &Logger{level: Error + 1} }

// RunID 返回日志器关联的运行标识。
func (l *Logger) RunID() string {
	if l == nil {
		return ""
	}
	return l.runID
}

// WithRun 返回共享 sink、替换 run_id 的日志器（服务端每个请求一个 run）。
func (l *Logger) WithRun(runID string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{runID: runID, level: l.level, sink: l.sink}
}

// Close 关闭底层文件。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level string            `json:"level"`
	TS    string            `json:"ts"`
	RunID string            `json:"run_id"`
	Comp  string            `json:"comp"`
	Stage string            `json:"stage"` // start|finish|warn|error
	Code  string            `json:"code,omitempty"`
	DurMS int64             `json:"dur_ms,omitempty"`
	Count int64             `json:"count,omitempty"`
	File  string            `json:"file,omitempty"`
	Batch string            `json:"batch_id,omitempty"`
	Msg   string            `json:"msg"`
	KV    map[string]string `json:"kv,omitempty"`
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.RunID = l.runID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 file/batch_id 的 start。
func (l *Logger) StartWith(comp, msg, file, batch string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", File: file, Batch: batch, Msg: msg})
	return &Timer{l: l, comp: comp, file: file, batch: batch, t0: time.Now()}
}

// StartWithKV 记录带 file/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, file, batch string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", File: file, Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, file: file, batch: batch, t0: time.Now()}
}

// Warn 记录降级但不中断流程的事件（缓存/事件/归档旁路失败）。
func (l *Logger) Warn(comp, code, msg string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 file/batch_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, file, batch string) {
	l.ErrorWithKV(comp, code, msg, durSince, file, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、命中短语）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, file, batch string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, File: file, Batch: batch, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, file, batch string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", File: file, Batch: batch, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	file  string
	batch string
	t0    time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, File: t.file, Batch: t.batch, Msg: msg})
}

// Since 返回起点时间（用于 ErrorWith 的 durSince）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}
