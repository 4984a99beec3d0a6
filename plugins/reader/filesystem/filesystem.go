package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"ddreport/internal/ingest"
	"ddreport/pkg/contract"
)

const defaultBufSize = 64 << 10

// Options: 本地输入扫描配置。
type Options struct {
	// 读缓冲区大小（字节），默认 64KiB
	BufSize int `yaml:"buf_size"`
	// 目录扫描时整体跳过的子目录基名（大小写不敏感），如 .git、__MACOSX。
	// 不影响显式给出的 root。
	ExcludeDirNames []string `yaml:"exclude_dir_names"`
}

// FileSystem: 本地文件/目录形式的尽调资料输入。
// 约束：
//  1. roots 按给定顺序处理；目录内按路径字典序（filepath.WalkDir 顺序）；
//  2. 目录扫描只收录 ingest 可解码的非隐藏常规文件；
//  3. 显式给出的文件 root 原样收录，由 ingest 拒绝并计入跳过清单；
//  4. 符号链接仅在指向常规文件时收录，目录链接不跟随；失效链接报错。
type FileSystem struct {
	bufSize int
	exclude map[string]struct{}
	accept  func(name string) bool
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	r := &FileSystem{bufSize: defaultBufSize, exclude: map[string]struct{}{}, accept: ingest.Supported}
	if opts == nil {
		return r
	}
	if opts.BufSize > 0 {
		r.bufSize = opts.BufSize
	}
	for _, name := range opts.ExcludeDirNames {
		if name = strings.ToLower(strings.Trim(name, "/")); name != "" {
			r.exclude[name] = struct{}{}
		}
	}
	return r
}

// Source: 一个待解码的输入文件。
type Source struct {
	ID   contract.FileID
	Path string
}

func newSource(p string) Source { return Source{ID: contract.NormalizeFileID(p), Path: p} }

// Scan 将 roots 解析为有序的输入文件清单，不打开文件。
func (r *FileSystem) Scan(ctx context.Context, roots []string) ([]Source, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: no input paths", contract.ErrInvalidInput)
	}
	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			return nil, fmt.Errorf("%w: empty input path", contract.ErrPathInvalid)
		}
	}
	var out []Source
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		srcs, err := r.scanRoot(ctx, root)
		if err != nil {
			return nil, err
		}
		out = append(out, srcs...)
	}
	return out, nil
}

func (r *FileSystem) scanRoot(ctx context.Context, root string) ([]Source, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, err
	}
	switch mode := info.Mode(); {
	case mode.IsDir():
		return r.scanDir(ctx, root)
	case mode&fs.ModeSymlink != 0:
		ok, err := regularTarget(root)
		if err != nil || !ok {
			return nil, err
		}
	case !mode.IsRegular():
		return nil, nil
	}
	return []Source{newSource(root)}, nil
}

func (r *FileSystem) scanDir(ctx context.Context, dir string) ([]Source, error) {
	var out []Source
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		name := d.Name()
		if d.IsDir() {
			if _, skip := r.exclude[strings.ToLower(name)]; skip && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !r.accept(name) {
			return nil
		}
		switch t := d.Type(); {
		case t.IsRegular():
		case t&fs.ModeSymlink != 0:
			ok, err := regularTarget(p)
			if err != nil || !ok {
				return err
			}
		default:
			// 管道、设备等
			return nil
		}
		out = append(out, newSource(p))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// regularTarget 报告符号链接是否指向常规文件；失效链接返回错误。
func regularTarget(p string) (bool, error) {
	t, err := os.Stat(p)
	if err != nil {
		return false, err
	}
	return t.Mode().IsRegular(), nil
}

// Iterate 按 Scan 的顺序逐个打开输入文件并交给 yield。
// yield 负责关闭 rc；yield 返回错误时遍历停止并上抛该错误。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srcs, err := r.Scan(ctx, roots)
	if err != nil {
		return err
	}
	for _, s := range srcs {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(s.Path)
		if err != nil {
			return err
		}
		rc := newBufferedCloser(f, r.bufSize)
		if err := yield(s.ID, rc); err != nil {
			_ = rc.Close()
			return err
		}
	}
	return nil
}

// bufferedCloser: 带缓冲的读端，Close 关闭底层文件。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
