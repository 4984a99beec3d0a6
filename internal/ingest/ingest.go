// Package ingest 将上传/磁盘上的 PDF、ZIP、纯文本解码为 contract.Document。
package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"ddreport/internal/prompt"
	"ddreport/pkg/contract"
)

const (
	DefaultMaxPages        = 10
	DefaultMaxContentChars = 15000
	DefaultMaxEntryBytes   = 50 << 20
)

// Extractor: 文档解码器（无状态，可并发使用）。
// 约束：
//  1. PDF 仅取前 MaxPages 页文本；
//  2. ZIP 展开其中的 .pdf/.txt/.md 条目，文件名取基名，不递归嵌套 ZIP；
//  3. 每个文档内容截断到 MaxContentChars 个字符；
//  4. 无可提取文本的文档跳过并记录原因，不视为错误，但仍计入 Names；
//  5. ZIP 自身不计入 Names，由其展开条目代替；无法读取的条目不计入。
type Extractor struct {
	MaxPages        int
	MaxContentChars int
	MaxEntryBytes   int64
}

// Skip 记录被跳过的文件及原因。
type Skip struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Result 为单个输入文件的解码结果。
// Names 为参与分析的文件名（ZIP 展开为条目名），用于 uploaded_files 与 total_files。
type Result struct {
	Names     []string
	Documents []contract.Document
	Skipped   []Skip
}

func (r *Result) merge(o Result) {
	r.Names = append(r.Names, o.Names...)
	r.Documents = append(r.Documents, o.Documents...)
	r.Skipped = append(r.Skipped, o.Skipped...)
}

// Supported 判断扩展名是否可处理。
func Supported(name string) bool {
	switch ext(name) {
	case ".pdf", ".zip", ".txt", ".md":
		return true
	}
	return false
}

func ext(name string) string { return strings.ToLower(path.Ext(name)) }

func (e Extractor) withDefaults() Extractor {
	if e.MaxPages <= 0 {
		e.MaxPages = DefaultMaxPages
	}
	if e.MaxContentChars <= 0 {
		e.MaxContentChars = DefaultMaxContentChars
	}
	if e.MaxEntryBytes <= 0 {
		e.MaxEntryBytes = DefaultMaxEntryBytes
	}
	return e
}

// Extract 解码单个文件。扩展名不受支持时返回 ErrInvalidInput。
func (e Extractor) Extract(name string, data []byte) (Result, error) {
	e = e.withDefaults()
	base := contract.BaseName(name)
	switch ext(base) {
	case ".zip":
		return e.fromZip(base, data), nil
	case ".pdf", ".txt", ".md":
		return e.single(base, data), nil
	}
	return Result{}, fmt.Errorf("ingest: %w: unsupported file type %q", contract.ErrInvalidInput, base)
}

func (e Extractor) single(name string, data []byte) Result {
	var (
		text string
		err  error
	)
	if ext(name) == ".pdf" {
		text, err = pdfText(data, e.MaxPages)
	} else {
		text = plainText(data)
	}
	names := []string{name}
	if err != nil {
		return Result{Names: names, Skipped: []Skip{{Name: name, Reason: err.Error()}}}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Names: names, Skipped: []Skip{{Name: name, Reason: "no extractable text"}}}
	}
	return Result{Names: names, Documents: []contract.Document{{Filename: name, Content: prompt.Truncate(text, e.MaxContentChars)}}}
}

func (e Extractor) fromZip(name string, data []byte) Result {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{Skipped: []Skip{{Name: name, Reason: "invalid zip: " + err.Error()}}}
	}
	var out Result
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entry := contract.BaseName(f.Name)
		// macOS 资源分支与隐藏文件
		if strings.HasPrefix(entry, ".") || strings.Contains(f.Name, "__MACOSX/") {
			continue
		}
		switch ext(entry) {
		case ".pdf", ".txt", ".md":
		default:
			continue
		}
		b, err := readEntry(f, e.MaxEntryBytes)
		if err != nil {
			out.Skipped = append(out.Skipped, Skip{Name: entry, Reason: err.Error()})
			continue
		}
		out.merge(e.single(entry, b))
	}
	return out
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("entry exceeds %d bytes", limit)
	}
	return b, nil
}

// plainText: CRLF→LF，非法 UTF-8 字节替换为 U+FFFD。
func plainText(b []byte) string {
	s := string(b)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// pdfText 提取前 maxPages 页纯文本，页间以换行分隔。
func pdfText(data []byte, maxPages int) (text string, err error) {
	// 解析器在畸形输入上可能 panic
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("invalid pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("invalid pdf: %w", err)
	}
	var sb strings.Builder
	n := min(r.NumPage(), maxPages)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		t, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(t)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
