package contract

// Batcher: 将有序文档切分为定长批。
// 约束：
//  1. 不重排、不丢失；
//  2. 每批非空，Index 自 1 单调递增，Total 为批总数；
//  3. size < 1 或无文档时返回 ErrInvalidInput。
type Batcher interface {
	Make(docs []Document, size int) ([]Batch, error)
}
