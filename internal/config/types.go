package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"ddreport/internal/rate"
	"ddreport/plugins/cache/rediscache"
	"ddreport/plugins/events/kafkaevents"
	"ddreport/plugins/store/pgstore"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Concurrency int     `yaml:"concurrency"`
	BatchSize   int     `yaml:"batch_size"`
	Logging     Logging `yaml:"logging"`

	Analysis   Analysis   `yaml:"analysis"`
	Prompt     Prompt     `yaml:"prompt"`
	Completion Completion `yaml:"completion"`

	// LLM Provider 选择与定义。
	LLM      string              `yaml:"llm"`
	Provider map[string]Provider `yaml:"provider"`

	Reader Reader `yaml:"reader"`
	Writer Writer `yaml:"writer"`

	// 可选旁路：缓存、归档、事件。未配置地址时不启用。
	Cache  Cache  `yaml:"cache"`
	Store  Store  `yaml:"store"`
	Events Events `yaml:"events"`

	Server Server `yaml:"server"`
}

// Logging: 仅日志等级与目录可配置；轮转策略为固定默认。
type Logging struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Analysis: 默认分析上下文（请求可逐次覆盖）。
type Analysis struct {
	DDType        string `yaml:"dd_type"`
	ReportFocus   string `yaml:"report_focus"`
	ChecklistType string `yaml:"checklist_type"`
}

// Prompt: 提示词编译与校验参数。
type Prompt struct {
	MaxDocumentChars int      `yaml:"max_document_chars"`
	BannedPhrases    []string `yaml:"banned_phrases"`
	BytesPerToken    int      `yaml:"bytes_per_token"`
}

// Completion: 每次调用的参数。Temperature 用指针区分“未设置”与 0。
type Completion struct {
	Model              string   `yaml:"model"`
	Temperature        *float64 `yaml:"temperature"`
	BatchMaxTokens     int      `yaml:"batch_max_tokens"`
	SynthesisMaxTokens int      `yaml:"synthesis_max_tokens"`
}

// Provider: 命名 provider 定义（client 实现 + options 子树 + 限额）。
// Options 保留原始 YAML 节点，由 registry 工厂严格解码。
type Provider struct {
	Client  string      `yaml:"client"`
	Options yaml.Node   `yaml:"options"`
	Limits  rate.Limits `yaml:"limits"`
}

// Reader: 输入扫描与文档解码。
type Reader struct {
	MaxPages        int      `yaml:"max_pages"`
	MaxContentChars int      `yaml:"max_content_chars"`
	ExcludeDirNames []string `yaml:"exclude_dir_names"`
}

// Writer: 报告输出。
type Writer struct {
	OutputDir string `yaml:"output_dir"`
	Atomic    *bool  `yaml:"atomic"`
	Flat      *bool  `yaml:"flat"`
}

type Cache struct {
	Redis rediscache.Options `yaml:"redis"`
}

type Store struct {
	Postgres pgstore.Options `yaml:"postgres"`
}

type Events struct {
	Kafka kafkaevents.Options `yaml:"kafka"`
}

// Server: HTTP API。
type Server struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	// 允许跨域调用 /analyze 的前端来源；为空不启用 CORS
	AllowOrigins []string `yaml:"allow_origins"`
}
