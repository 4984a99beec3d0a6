package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ddreport/pkg/contract"
)

func collect(t *testing.T, r *FileSystem, roots ...string) []string {
	t.Helper()
	var ids []string
	err := r.Iterate(context.Background(), roots, func(id contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		ids = append(ids, string(id))
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return ids
}

// TestIterateSingleFile 读取单文件
func TestIterateSingleFile(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "a.txt")
	os.WriteFile(fp, []byte("hello"), 0o644)
	r := New(nil)
	var got []byte
	err := r.Iterate(context.Background(), []string{fp}, func(id contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		b, _ := io.ReadAll(rc)
		got = append(got, b...)
		if id != contract.NormalizeFileID(fp) {
			t.Fatalf("file id mismatch %s", id)
		}
		return nil
	})
	if err != nil || string(got) != "hello" {
		t.Fatalf("iterate: %v %q", err, string(got))
	}
}

// TestWalkOrderAndFilter 目录内按路径字典序；仅产出可解码扩展名，隐藏文件跳过
func TestWalkOrderAndFilter(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.pdf", "a.txt", "c.docx", ".hidden.txt", "d.ZIP"} {
		os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644)
	}
	sub := filepath.Join(dir, "sub")
	os.Mkdir(sub, 0o755)
	os.WriteFile(filepath.Join(sub, "z.md"), []byte("x"), 0o644)

	var got []string
	for _, id := range collect(t, New(nil), dir) {
		rel, _ := filepath.Rel(dir, filepath.FromSlash(id))
		got = append(got, filepath.ToSlash(rel))
	}
	want := []string{"a.txt", "b.pdf", "d.ZIP", "sub/z.md"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("遍历结果 (-want +got):\n%s", diff)
	}
}

// TestExcludeDir 跳过目录
func TestExcludeDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("k"), 0o644)
	skipDir := filepath.Join(dir, "__MACOSX")
	os.Mkdir(skipDir, 0o755)
	os.WriteFile(filepath.Join(skipDir, "bad.txt"), []byte("b"), 0o644)

	files := collect(t, New(&Options{ExcludeDirNames: []string{"__macosx"}}), dir)
	if len(files) != 1 || !strings.Contains(files[0], "keep.txt") {
		t.Fatalf("exclude failed: %#v", files)
	}
}

// TestScanMixedRoots 显式文件不过滤扩展名；多个 root 保持给定顺序
func TestScanMixedRoots(t *testing.T) {
	dir := t.TempDir()
	deal := filepath.Join(dir, "deal")
	os.Mkdir(deal, 0o755)
	os.WriteFile(filepath.Join(deal, "q1.pdf"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(deal, "notes.docx"), []byte("x"), 0o644)
	extra := filepath.Join(dir, "extra.bin")
	os.WriteFile(extra, []byte("x"), 0o644)

	srcs, err := New(nil).Scan(context.Background(), []string{extra, deal})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	var got []string
	for _, s := range srcs {
		got = append(got, filepath.Base(s.Path))
		if s.ID != contract.NormalizeFileID(s.Path) {
			t.Fatalf("id mismatch: %+v", s)
		}
	}
	if diff := cmp.Diff([]string{"extra.bin", "q1.pdf"}, got); diff != "" {
		t.Fatalf("scan (-want +got):\n%s", diff)
	}
}

// TestExcludeDirNotAppliedToRoot 排除名单只作用于子目录
func TestExcludeDirNotAppliedToRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	os.Mkdir(root, 0o755)
	os.WriteFile(filepath.Join(root, "a.md"), []byte("x"), 0o644)
	files := collect(t, New(&Options{ExcludeDirNames: []string{"/Archive/"}}), root)
	if len(files) != 1 {
		t.Fatalf("root must not be excluded: %#v", files)
	}
}

// TestIterateRejectsEmptyRoots 空输入与空路径
func TestIterateRejectsEmptyRoots(t *testing.T) {
	r := New(nil)
	noop := func(contract.FileID, io.ReadCloser) error { return nil }
	if err := r.Iterate(context.Background(), nil, noop); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("nil roots: %v", err)
	}
	if err := r.Iterate(context.Background(), []string{" "}, noop); !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("blank root: %v", err)
	}
}

// TestIterateMissingPath 路径不存在
func TestIterateMissingPath(t *testing.T) {
	r := New(nil)
	err := r.Iterate(context.Background(), []string{filepath.Join(t.TempDir(), "nope.pdf")}, func(contract.FileID, io.ReadCloser) error { return nil })
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expect not-exist, got %v", err)
	}
}

// TestIterateYieldError 回调错误上抛
func TestIterateYieldError(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644)
	boom := errors.New("boom")
	err := New(nil).Iterate(context.Background(), []string{dir}, func(contract.FileID, io.ReadCloser) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
}

// TestIterateCtxCancel 上下文取消
func TestIterateCtxCancel(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "a.txt")
	os.WriteFile(fp, []byte("x"), 0o644)
	r := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Iterate(ctx, []string{fp}, func(contract.FileID, io.ReadCloser) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expect ctx cancel, got %v", err)
	}
}

// TestNewBufferedCloserDefault bufSize<=0 时使用默认
func TestNewBufferedCloserDefault(t *testing.T) {
	r := io.NopCloser(strings.NewReader(""))
	bc := newBufferedCloser(r, 0)
	if bc.Size() != defaultBufSize {
		t.Fatalf("buf size %d", bc.Size())
	}
	bc.Close()
}
