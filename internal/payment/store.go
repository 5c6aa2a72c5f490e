package payment

import "context"

// Stats 汇总存储中的条目分布。
type Stats struct {
	Total       int `json:"total"`
	NonTerminal int `json:"non_terminal"`
	Terminal    int `json:"terminal"`
}

// Store 定义本地支付缓存的契约。
//
// 存储以 BlockchainIdentifier 为主键，保存远端状态的本地快照。
// 实现必须返回调用方可安全修改的副本。
type Store interface {
	// Insert 写入一个新条目，主键冲突时返回 CodePaymentConflict。
	Insert(ctx context.Context, entry *PaymentRequest) error
	// Upsert 写入或整体覆盖一个条目。
	Upsert(ctx context.Context, entry *PaymentRequest) error
	// Get 返回指定条目，不存在时返回 CodeUnknownPayment。
	Get(ctx context.Context, blockchainIdentifier string) (*PaymentRequest, error)
	// List 按创建时间升序返回全部条目。
	List(ctx context.Context) ([]*PaymentRequest, error)
	// NonTerminal 按创建时间升序返回所有非终态条目。
	NonTerminal(ctx context.Context) ([]*PaymentRequest, error)
	// PruneTerminal 删除所有终态条目并返回删除数量。
	PruneTerminal(ctx context.Context) (int, error)
	// Clear 丢弃全部条目。
	Clear(ctx context.Context) error
	// Stats 返回条目分布统计。
	Stats(ctx context.Context) (Stats, error)
	// Close 释放存储资源。
	Close() error
}
