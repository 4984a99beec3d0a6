package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"

	cfgpkg "ddreport/internal/config"
)

const defaultConfigFile = "config.yaml"

// loadConfig 按 CLI > ENV(.env) > YAML > 默认 合并并校验。
// 失败一律归为配置错误（退出码 3）。
func loadConfig(g *globalFlags, over cfgpkg.Config) (cfgpkg.Config, error) {
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）
	if err := loadDotEnv(".env"); err != nil {
		return cfgpkg.Config{}, withCode(exitConfig, fmt.Errorf("load .env: %w", err))
	}

	path := g.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	cfg := cfgpkg.Defaults()
	if path != "" {
		file, err := cfgpkg.LoadYAML(path, nil)
		if err != nil {
			return cfgpkg.Config{}, withCode(exitConfig, fmt.Errorf("config %s: %w", path, err))
		}
		cfg = cfgpkg.Merge(cfg, file)
	}

	env, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfgpkg.Config{}, withCode(exitConfig, err)
	}
	cfg = cfgpkg.Merge(cfg, env)

	over.LLM = g.llm
	if g.concurrency > 0 {
		over.Concurrency = g.concurrency
	}
	if g.batchSize > 0 {
		over.BatchSize = g.batchSize
	}
	over.Logging.Level = g.logLevel
	cfg = cfgpkg.Merge(cfg, over)

	if err := cfgpkg.Validate(cfg); err != nil {
		return cfgpkg.Config{}, withCode(exitConfig, err)
	}
	return cfg, nil
}

// effective 返回脱敏后的有效配置（debug 日志用）。
func effective(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"llm":         cfg.LLM,
		"concurrency": fmt.Sprint(cfg.Concurrency),
		"batch_size":  fmt.Sprint(cfg.BatchSize),
		"output_dir":  cfg.Writer.OutputDir,
		"cache":       fmt.Sprint(cfg.Cache.Redis.Addr != ""),
		"store":       fmt.Sprint(cfg.Store.Postgres.DSN != ""),
		"events":      fmt.Sprint(len(cfg.Events.Kafka.Brokers) > 0),
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		// 仅取无敏感项
		var s struct {
			BaseURL  string   `yaml:"base_url"`
			Model    string   `yaml:"model"`
			Fallback []string `yaml:"fallback_models"`
		}
		if !p.Options.IsZero() {
			_ = p.Options.Decode(&s)
		}
		for k, v := range map[string]string{"base_url": s.BaseURL, "model": s.Model, "fallback_models": strings.Join(s.Fallback, ",")} {
			if v != "" {
				kv[k] = v
			}
		}
	}
	return kv
}

// loadDotEnv 读取 .env 并注入进程环境；文件不存在时忽略，已存在的环境变量不覆盖。
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}
