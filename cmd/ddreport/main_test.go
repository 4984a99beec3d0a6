package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// isolate 隔离日志目录与配置来源，避免读取开发者环境。
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DDR_LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("DDR_CONFIG_FILE", "")
	t.Setenv("DDR_LLM", "")
	t.Setenv("DDR_PROVIDER__mock__OPTIONS_YAML", "")
	return dir
}

func writeDocs(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	in := filepath.Join(dir, "docs")
	for name, body := range files {
		p := filepath.Join(in, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return in
}

func run(args ...string) (int, string, string) {
	var out, errb bytes.Buffer
	code := execute(args, &out, &errb)
	return code, out.String(), errb.String()
}

// UT-CLI-01: init-config 生成模板且不覆盖
func TestInitConfig(t *testing.T) {
	dir := isolate(t)
	code, out, _ := run("init-config", dir)
	if code != exitOK {
		t.Fatalf("init-config 退出码 %d", code)
	}
	for _, name := range []string{"config.yaml", ".env"} {
		if !strings.Contains(out, filepath.Join(dir, name)) {
			t.Fatalf("输出应包含 %s: %q", name, out)
		}
	}
	code, out, _ = run("init-config", dir)
	if code != exitOK || !strings.Contains(out, "nothing written") {
		t.Fatalf("再次生成应跳过: %d %q", code, out)
	}
}

// UT-CLI-02: mock 端到端：模板配置 → 报告 + sidecar
// 目录扫描过滤不支持的扩展名；显式给出的文件计入上传并记录跳过原因。
func TestAnalyzeMock(t *testing.T) {
	dir := isolate(t)
	if code, _, _ := run("init-config", dir); code != exitOK {
		t.Fatalf("init-config 失败")
	}
	in := writeDocs(t, dir, map[string]string{
		"a.txt":     "Revenue 2023 was $10M.",
		"b.md":      "# Notes\nEBITDA $2M.",
		"sub/c.txt": "Margin 20%.",
		"skip.bin":  "binary",
	})
	outDir := filepath.Join(dir, "out")
	code, stdout, stderr := run("analyze",
		"--config", filepath.Join(dir, "config.yaml"),
		"--output", outDir, "--name", "report", "--status=false",
		"--batch-size", "2", in, filepath.Join(in, "skip.bin"))
	if code != exitOK {
		t.Fatalf("analyze 退出码 %d: %s", code, stderr)
	}
	md := filepath.Join(outDir, "report.md")
	if !strings.Contains(stdout, md) {
		t.Fatalf("stdout 应包含报告路径: %q", stdout)
	}
	if b, err := os.ReadFile(md); err != nil || len(b) == 0 {
		t.Fatalf("报告缺失: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(outDir, "report.json"))
	if err != nil {
		t.Fatalf("sidecar 缺失: %v", err)
	}
	var sc sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		t.Fatal(err)
	}
	if len(sc.Batches) != 2 || sc.Context.TotalFiles != 4 || len(sc.UploadedFiles) != 4 {
		t.Fatalf("sidecar 内容错误: %s", b)
	}
	if len(sc.Skipped) != 1 || sc.Skipped[0].Name != "skip.bin" {
		t.Fatalf("skipped 错误: %+v", sc.Skipped)
	}
}

// UT-CLI-03: 配置错误 → 3
func TestAnalyzeConfigErrors(t *testing.T) {
	dir := isolate(t)
	in := writeDocs(t, dir, map[string]string{"a.txt": "x"})
	cases := [][]string{
		{"analyze", "--config", filepath.Join(dir, "missing.yaml"), in},
		{"analyze", "--llm", "nope", in},
	}
	for _, args := range cases {
		if code, _, _ := run(args...); code != exitConfig {
			t.Fatalf("%v: 期望退出码 3 实得 %d", args, code)
		}
	}
	t.Setenv("DDR_CONCURRENCY", "many")
	if code, _, _ := run("analyze", "--llm", "mock", in); code != exitConfig {
		t.Fatalf("非法 ENV 期望退出码 3 实得 %d", code)
	}
}

// UT-CLI-04: 运行失败 → 1
func TestAnalyzeRunError(t *testing.T) {
	dir := isolate(t)
	if code, _, _ := run("init-config", dir); code != exitOK {
		t.Fatalf("init-config 失败")
	}
	t.Setenv("DDR_PROVIDER__mock__OPTIONS_YAML", "{response_mode: template}")
	in := writeDocs(t, dir, map[string]string{"a.txt": "alpha"})
	code, _, stderr := run("analyze", "--config", filepath.Join(dir, "config.yaml"),
		"--output", filepath.Join(dir, "out"), "--status=false", in)
	if code != exitRun || !strings.Contains(stderr, "error:") {
		t.Fatalf("期望退出码 1 实得 %d: %s", code, stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "out")); err == nil {
		entries, _ := os.ReadDir(filepath.Join(dir, "out"))
		if len(entries) != 0 {
			t.Fatalf("失败运行不应写出报告")
		}
	}

	// 无可提取文本
	t.Setenv("DDR_PROVIDER__mock__OPTIONS_YAML", "")
	empty := writeDocs(t, filepath.Join(dir, "e"), map[string]string{"blank.txt": "  "})
	if code, _, _ := run("analyze", "--config", filepath.Join(dir, "config.yaml"),
		"--output", filepath.Join(dir, "out"), "--status=false", empty); code != exitRun {
		t.Fatalf("无文档期望退出码 1 实得 %d", code)
	}
}

// UT-CLI-05: 用法错误 → 2
func TestUsageError(t *testing.T) {
	isolate(t)
	if code, _, _ := run("analyze"); code != exitUsage {
		t.Fatalf("缺少参数期望退出码 2 实得 %d", code)
	}
	if code, _, _ := run("bogus"); code != exitUsage {
		t.Fatalf("未知命令期望退出码 2 实得 %d", code)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	body := "# comment\n" +
		"export DDR_T_A=plain\n" +
		"DDR_T_B=\"line\\nnext\"\n" +
		"DDR_T_C='single'\n" +
		"DDR_T_KEEP=fromfile\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"DDR_T_A", "DDR_T_B", "DDR_T_C"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("DDR_T_KEEP", "fromenv")
	if err := loadDotEnv(p); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	want := map[string]string{"DDR_T_A": "plain", "DDR_T_B": "line\nnext", "DDR_T_C": "single", "DDR_T_KEEP": "fromenv"}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Fatalf("%s 期望 %q 实得 %q", k, v, got)
		}
	}
	if err := loadDotEnv(filepath.Join(dir, "missing")); err != nil {
		t.Fatalf("缺失文件应忽略: %v", err)
	}
}
