package fixed

import (
	"fmt"

	"ddreport/pkg/contract"
)

// DefaultSize: 每批文档数。
const DefaultSize = 5

// Options 为定长 Batcher 的可选配置。
type Options struct {
	// Size: 每批文档数；<=0 时采用 DefaultSize。调用 Make 时显式传入的 size 优先。
	Size int `yaml:"size"`
}

// Batcher 按输入顺序切分定长批，最后一批可不足。
type Batcher struct {
	size int
}

func New(opts *Options) *Batcher {
	size := DefaultSize
	if opts != nil && opts.Size > 0 {
		size = opts.Size
	}
	return &Batcher{size: size}
}

// Size 返回默认批大小。
func (b *Batcher) Size() int { return b.size }

// Make 切分 docs；size<1 或 docs 为空返回 ErrInvalidInput。
// 批共享 docs 的底层数组（只读）。
func (b *Batcher) Make(docs []contract.Document, size int) ([]contract.Batch, error) {
	if size < 1 {
		return nil, fmt.Errorf("batcher: %w: size must be >= 1, got %d", contract.ErrInvalidInput, size)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("batcher: %w: no documents", contract.ErrInvalidInput)
	}
	total := (len(docs) + size - 1) / size
	out := make([]contract.Batch, 0, total)
	for i := 0; i < total; i++ {
		lo := i * size
		hi := min(lo+size, len(docs))
		out = append(out, contract.Batch{Index: i + 1, Total: total, Documents: docs[lo:hi:hi]})
	}
	return out, nil
}

// MakeDefault 使用配置的批大小。
func (b *Batcher) MakeDefault(docs []contract.Document) ([]contract.Batch, error) {
	return b.Make(docs, b.size)
}

var _ contract.Batcher = (*Batcher)(nil)
