package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type 标识支付生命周期事件的种类。
type Type string

const (
	TypeCreated          Type = "created"
	TypeStateChanged     Type = "state_changed"
	TypeFundsLocked      Type = "funds_locked"
	TypeResultSubmitted  Type = "result_submitted"
	TypeCompleted        Type = "completed"
	TypeRefundAuthorized Type = "refund_authorized"
	TypeMonitorError     Type = "monitor_error"
)

// Event 描述一次支付状态变化或监控异常。
//
// Previous/New 仅在状态迁移类事件中填写；Hash 仅在结果提交事件中填写；
// Cause 仅在 monitor_error 中填写。Entity 携带事件发生时的完整支付实体快照。
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	PaymentID  string    `json:"payment_id"`
	Previous   string    `json:"previous,omitempty"`
	New        string    `json:"new,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	Entity     any       `json:"entity,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New 构造带唯一 ID 与时间戳的事件。
func New(eventType Type, paymentID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		PaymentID:  paymentID,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher 负责把事件投递给订阅方。
//
// 契约：同一支付标识上被观察到的每次状态变化至多投递一次，
// 且按照被检测到的顺序投递。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
