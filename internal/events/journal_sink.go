package events

import (
	"context"
	"encoding/json"
	"fmt"

	"AgentPay-Chain/internal/storage/mysql"
)

// JournalSink 把事件追加写入 MySQL 审计流水。
type JournalSink struct {
	journal *mysql.Journal
}

// NewJournalSink 包装一个已就绪的流水库。
func NewJournalSink(journal *mysql.Journal) *JournalSink {
	return &JournalSink{journal: journal}
}

// Publish 将事件转换为流水记录并落库。
func (s *JournalSink) Publish(ctx context.Context, event Event) error {
	if s == nil || s.journal == nil {
		return nil
	}
	payload := ""
	if event.Entity != nil {
		encoded, err := json.Marshal(event.Entity)
		if err != nil {
			return fmt.Errorf("序列化事件实体失败: %w", err)
		}
		payload = string(encoded)
	}
	return s.journal.Append(ctx, mysql.EventRecord{
		EventID:    event.ID,
		Type:       string(event.Type),
		PaymentID:  event.PaymentID,
		Previous:   event.Previous,
		New:        event.New,
		Hash:       event.Hash,
		Cause:      event.Cause,
		Payload:    payload,
		OccurredAt: event.OccurredAt.Unix(),
	})
}

// Close 关闭底层流水库。
func (s *JournalSink) Close() error {
	if s == nil || s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

var _ Publisher = (*JournalSink)(nil)
