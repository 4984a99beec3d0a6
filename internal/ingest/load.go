package ingest

import (
	"context"
	"fmt"
	"io"

	"ddreport/pkg/contract"
)

// Loaded 为一次输入收集的结果。Uploaded 含不受支持与超限的文件名，
// ZIP 以其条目名代替；total_files 即 len(Uploaded)。
type Loaded struct {
	Uploaded []string
	Result
}

// Add 合并单个输入文件的解码结果。
func (l *Loaded) Add(res Result) {
	l.Uploaded = append(l.Uploaded, res.Names...)
	l.merge(res)
}

// Reject 记录未进入解码的输入文件。
func (l *Loaded) Reject(name, reason string) {
	l.Uploaded = append(l.Uploaded, name)
	l.Skipped = append(l.Skipped, Skip{Name: name, Reason: reason})
}

// Load 经 Reader 遍历 roots，逐个文件解码。
// 不受支持的扩展名计入 Skipped 而非报错；Reader 错误与取消原样上抛。
func (e Extractor) Load(ctx context.Context, r contract.Reader, roots []string) (Loaded, error) {
	e = e.withDefaults()
	var out Loaded
	err := r.Iterate(ctx, roots, func(id contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		name := contract.BaseName(string(id))
		if !Supported(name) {
			out.Reject(name, "unsupported file type")
			return nil
		}
		limit := e.MaxEntryBytes
		if ext(name) == ".zip" {
			limit *= 4
		}
		b, err := io.ReadAll(io.LimitReader(rc, limit+1))
		if err != nil {
			return fmt.Errorf("read %s: %w", id, err)
		}
		if int64(len(b)) > limit {
			out.Reject(name, fmt.Sprintf("file exceeds %d bytes", limit))
			return nil
		}
		res, err := e.Extract(name, b)
		if err != nil {
			return err
		}
		out.Add(res)
		return nil
	})
	if err != nil {
		return Loaded{}, err
	}
	return out, nil
}
