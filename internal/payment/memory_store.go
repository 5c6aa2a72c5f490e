package payment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 是进程内的支付缓存实现。
//
// 所有读操作返回深拷贝，调用方修改返回值不会影响存储内容。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*PaymentRequest
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 构造空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*PaymentRequest)}
}

// Insert 实现 Store。
func (s *MemoryStore) Insert(_ context.Context, entry *PaymentRequest) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrEngineClosed
	}
	if _, ok := s.entries[entry.BlockchainIdentifier]; ok {
		return xerrors.New(CodePaymentConflict,
			fmt.Sprintf("支付 %s 已存在", entry.BlockchainIdentifier))
	}

	now := time.Now().Unix()
	stored := clonePayment(entry)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.entries[stored.BlockchainIdentifier] = stored
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return nil
}

// Upsert 实现 Store。已存在时整体覆盖远端字段，保留 CreatedAt。
func (s *MemoryStore) Upsert(_ context.Context, entry *PaymentRequest) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrEngineClosed
	}

	now := time.Now().Unix()
	stored := clonePayment(entry)
	if existing, ok := s.entries[entry.BlockchainIdentifier]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.entries[stored.BlockchainIdentifier] = stored
	entry.CreatedAt = stored.CreatedAt
	entry.UpdatedAt = now
	return nil
}

// Get 实现 Store。
func (s *MemoryStore) Get(_ context.Context, blockchainIdentifier string) (*PaymentRequest, error) {
	id := strings.TrimSpace(blockchainIdentifier)
	if id == "" {
		return nil, xerrors.New(CodeValidation, "blockchainIdentifier 不能为空")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, xerrors.New(CodeUnknownPayment, fmt.Sprintf("支付 %s 未被追踪", id))
	}
	return clonePayment(entry), nil
}

// List 实现 Store。
func (s *MemoryStore) List(_ context.Context) ([]*PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(func(*PaymentRequest) bool { return true }), nil
}

// NonTerminal 实现 Store。
func (s *MemoryStore) NonTerminal(_ context.Context) ([]*PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(func(entry *PaymentRequest) bool {
		return !entry.OnChainState.IsTerminal()
	}), nil
}

// PruneTerminal 实现 Store。
func (s *MemoryStore) PruneTerminal(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, entry := range s.entries {
		if entry.OnChainState.IsTerminal() {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Clear 实现 Store。
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*PaymentRequest)
	return nil
}

// Stats 实现 Store。
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Total: len(s.entries)}
	for _, entry := range s.entries {
		if entry.OnChainState.IsTerminal() {
			stats.Terminal++
		} else {
			stats.NonTerminal++
		}
	}
	return stats, nil
}

// Close 实现 Store。关闭后丢弃全部条目，后续写入返回引擎关闭错误。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = make(map[string]*PaymentRequest)
	return nil
}

// snapshot 在持有读锁的前提下按创建时间升序导出副本。
func (s *MemoryStore) snapshot(keep func(*PaymentRequest) bool) []*PaymentRequest {
	result := make([]*PaymentRequest, 0, len(s.entries))
	for _, entry := range s.entries {
		if keep(entry) {
			result = append(result, clonePayment(entry))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt == result[j].CreatedAt {
			return result[i].BlockchainIdentifier < result[j].BlockchainIdentifier
		}
		return result[i].CreatedAt < result[j].CreatedAt
	})
	return result
}

func validateEntry(entry *PaymentRequest) error {
	if entry == nil {
		return xerrors.New(CodeValidation, "支付条目不能为空")
	}
	if strings.TrimSpace(entry.BlockchainIdentifier) == "" {
		return xerrors.New(CodeValidation, "blockchainIdentifier 不能为空")
	}
	if !IsValidState(entry.OnChainState) {
		return xerrors.New(CodeValidation,
			fmt.Sprintf("不支持的链上状态: %s", entry.OnChainState))
	}
	return nil
}
