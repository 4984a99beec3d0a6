package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ddreport/pkg/contract"
)

// EnvPrefix 为环境变量覆盖的统一前缀。
const EnvPrefix = "DDR_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由 YAML/ENV/CLI 提供）。
func Defaults() Config {
	temp := 0.2
	return Config{
		Concurrency: 1,
		BatchSize:   5,
		Logging:     Logging{Level: "info", Dir: "logs"},
		Analysis: Analysis{
			DDType:        "M&A Due Diligence",
			ReportFocus:   "Financial Report",
			ChecklistType: "Simple",
		},
		Prompt: Prompt{MaxDocumentChars: 12000, BytesPerToken: 4},
		Completion: Completion{
			Temperature:        &temp,
			BatchMaxTokens:     2000,
			SynthesisMaxTokens: 4000,
		},
		Reader: Reader{
			MaxPages:        10,
			MaxContentChars: 15000,
			ExcludeDirNames: []string{".git", "__MACOSX", "node_modules"},
		},
		Writer: Writer{OutputDir: "out"},
		Server: Server{
			Addr:            "0.0.0.0:10000",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    600 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxUploadBytes:  200 << 20,
		},
	}
}

// LoadYAML 从文件路径或原始 YAML 解析 Config（严格拒绝未知字段）。
func LoadYAML(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// 空文档视为空配置
		if errors.Is(err, io.EOF) {
			return Config{}, nil
		}
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 零值视为“未设置”；切片与 provider 条目为整体替换，不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.BatchSize != 0 {
		out.BatchSize = over.BatchSize
	}
	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.Logging.Dir, over.Logging.Dir)

	setStr(&out.Analysis.DDType, over.Analysis.DDType)
	setStr(&out.Analysis.ReportFocus, over.Analysis.ReportFocus)
	setStr(&out.Analysis.ChecklistType, over.Analysis.ChecklistType)

	if over.Prompt.MaxDocumentChars != 0 {
		out.Prompt.MaxDocumentChars = over.Prompt.MaxDocumentChars
	}
	if len(over.Prompt.BannedPhrases) > 0 {
		out.Prompt.BannedPhrases = cloneStrings(over.Prompt.BannedPhrases)
	}
	if over.Prompt.BytesPerToken != 0 {
		out.Prompt.BytesPerToken = over.Prompt.BytesPerToken
	}

	setStr(&out.Completion.Model, over.Completion.Model)
	if over.Completion.Temperature != nil {
		v := *over.Completion.Temperature
		out.Completion.Temperature = &v
	}
	if over.Completion.BatchMaxTokens != 0 {
		out.Completion.BatchMaxTokens = over.Completion.BatchMaxTokens
	}
	if over.Completion.SynthesisMaxTokens != 0 {
		out.Completion.SynthesisMaxTokens = over.Completion.SynthesisMaxTokens
	}

	setStr(&out.LLM, over.LLM)
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = mergeProvider(prov[k], v)
		}
		out.Provider = prov
	}

	if over.Reader.MaxPages != 0 {
		out.Reader.MaxPages = over.Reader.MaxPages
	}
	if over.Reader.MaxContentChars != 0 {
		out.Reader.MaxContentChars = over.Reader.MaxContentChars
	}
	if len(over.Reader.ExcludeDirNames) > 0 {
		out.Reader.ExcludeDirNames = cloneStrings(over.Reader.ExcludeDirNames)
	}

	setStr(&out.Writer.OutputDir, over.Writer.OutputDir)
	if over.Writer.Atomic != nil {
		out.Writer.Atomic = over.Writer.Atomic
	}
	if over.Writer.Flat != nil {
		out.Writer.Flat = over.Writer.Flat
	}

	r := over.Cache.Redis
	setStr(&out.Cache.Redis.Addr, r.Addr)
	setStr(&out.Cache.Redis.Password, r.Password)
	if r.DB != 0 {
		out.Cache.Redis.DB = r.DB
	}
	if r.PoolSize != 0 {
		out.Cache.Redis.PoolSize = r.PoolSize
	}
	if r.DialTimeout != 0 {
		out.Cache.Redis.DialTimeout = r.DialTimeout
	}
	if r.TTL != 0 {
		out.Cache.Redis.TTL = r.TTL
	}

	pg := over.Store.Postgres
	setStr(&out.Store.Postgres.DSN, pg.DSN)
	if pg.MaxOpenConns != 0 {
		out.Store.Postgres.MaxOpenConns = pg.MaxOpenConns
	}
	if pg.MaxIdleConns != 0 {
		out.Store.Postgres.MaxIdleConns = pg.MaxIdleConns
	}
	if pg.ConnMaxLifetime != 0 {
		out.Store.Postgres.ConnMaxLifetime = pg.ConnMaxLifetime
	}

	if len(over.Events.Kafka.Brokers) > 0 {
		out.Events.Kafka.Brokers = cloneStrings(over.Events.Kafka.Brokers)
	}
	setStr(&out.Events.Kafka.Topic, over.Events.Kafka.Topic)

	setStr(&out.Server.Addr, over.Server.Addr)
	if over.Server.ReadTimeout != 0 {
		out.Server.ReadTimeout = over.Server.ReadTimeout
	}
	if over.Server.WriteTimeout != 0 {
		out.Server.WriteTimeout = over.Server.WriteTimeout
	}
	if over.Server.ShutdownTimeout != 0 {
		out.Server.ShutdownTimeout = over.Server.ShutdownTimeout
	}
	if over.Server.MaxUploadBytes != 0 {
		out.Server.MaxUploadBytes = over.Server.MaxUploadBytes
	}
	if len(over.Server.AllowOrigins) > 0 {
		out.Server.AllowOrigins = over.Server.AllowOrigins
	}
	return out
}

// mergeProvider: 同名 provider 按字段覆盖；options 节点非空即整体替换。
func mergeProvider(base, over Provider) Provider {
	out := base
	setStr(&out.Client, over.Client)
	if !over.Options.IsZero() {
		out.Options = over.Options
	}
	if over.Limits.RPM != 0 {
		out.Limits.RPM = over.Limits.RPM
	}
	if over.Limits.TPM != 0 {
		out.Limits.TPM = over.Limits.TPM
	}
	if over.Limits.MaxTokensPerReq != 0 {
		out.Limits.MaxTokensPerReq = over.Limits.MaxTokensPerReq
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 DDR_；集合之外的键忽略；数值非法时报错（ErrInvalidInput）。
// 支持：CONCURRENCY, BATCH_SIZE, LLM, LOG_LEVEL, LOG_DIR, DD_TYPE, REPORT_FOCUS, CHECKLIST_TYPE,
// MODEL, TEMPERATURE, BATCH_MAX_TOKENS, SYNTHESIS_MAX_TOKENS, MAX_DOCUMENT_CHARS, OUTPUT_DIR,
// SERVER_ADDR, REDIS_ADDR, REDIS_PASSWORD, REDIS_TTL, POSTGRES_DSN, KAFKA_BROKERS, KAFKA_TOPIC
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_YAML
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			continue
		}
		var err error
		switch key {
		case "CONCURRENCY":
			over.Concurrency, err = atoi(key, val)
		case "BATCH_SIZE":
			over.BatchSize, err = atoi(key, val)
		case "LLM":
			over.LLM = val
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		case "DD_TYPE":
			over.Analysis.DDType = val
		case "REPORT_FOCUS":
			over.Analysis.ReportFocus = val
		case "CHECKLIST_TYPE":
			over.Analysis.ChecklistType = val
		case "MODEL":
			over.Completion.Model = val
		case "TEMPERATURE":
			var f float64
			f, err = strconv.ParseFloat(val, 64)
			if err != nil {
				err = fmt.Errorf("%w: %s%s=%q", contract.ErrInvalidInput, EnvPrefix, key, val)
			} else {
				over.Completion.Temperature = &f
			}
		case "BATCH_MAX_TOKENS":
			over.Completion.BatchMaxTokens, err = atoi(key, val)
		case "SYNTHESIS_MAX_TOKENS":
			over.Completion.SynthesisMaxTokens, err = atoi(key, val)
		case "MAX_DOCUMENT_CHARS":
			over.Prompt.MaxDocumentChars, err = atoi(key, val)
		case "OUTPUT_DIR":
			over.Writer.OutputDir = val
		case "SERVER_ADDR":
			over.Server.Addr = val
		case "REDIS_ADDR":
			over.Cache.Redis.Addr = val
		case "REDIS_PASSWORD":
			over.Cache.Redis.Password = val
		case "REDIS_TTL":
			over.Cache.Redis.TTL, err = time.ParseDuration(val)
			if err != nil {
				err = fmt.Errorf("%w: %s%s=%q", contract.ErrInvalidInput, EnvPrefix, key, val)
			}
		case "POSTGRES_DSN":
			over.Store.Postgres.DSN = val
		case "KAFKA_BROKERS":
			over.Events.Kafka.Brokers = splitComma(val)
		case "KAFKA_TOPIC":
			over.Events.Kafka.Topic = val
		default:
			// provider.* 路径：PROVIDER__name__FIELD
			if strings.HasPrefix(key, "PROVIDER__") {
				err = envProvider(prov, key, val)
			}
		}
		if err != nil {
			return Config{}, err
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func envProvider(prov map[string]Provider, key, val string) error {
	parts := strings.Split(key, "__")
	if len(parts) < 3 {
		return nil
	}
	name := strings.TrimSpace(parts[1])
	if name == "" {
		return nil
	}
	field := strings.Join(parts[2:], "__")
	p := prov[name]
	var err error
	switch field {
	case "CLIENT":
		p.Client = val
	case "LIMITS_RPM":
		p.Limits.RPM, err = atoi(key, val)
	case "LIMITS_TPM":
		p.Limits.TPM, err = atoi(key, val)
	case "LIMITS_MAX_TOKENS_PER_REQ":
		p.Limits.MaxTokensPerReq, err = atoi(key, val)
	case "OPTIONS_YAML":
		var doc yaml.Node
		if err = yaml.Unmarshal([]byte(val), &doc); err != nil {
			return fmt.Errorf("%w: %s%s: %v", contract.ErrInvalidInput, EnvPrefix, key, err)
		}
		if len(doc.Content) > 0 {
			p.Options = *doc.Content[0]
		}
	default:
		return nil
	}
	if err != nil {
		return err
	}
	prov[name] = p
	return nil
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(key, s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %s%s=%q is not an integer", contract.ErrInvalidInput, EnvPrefix, key, s)
	}
	return n, nil
}
