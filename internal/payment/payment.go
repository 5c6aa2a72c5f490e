package payment

import (
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
)

// State 表示支付在远端账本上的链上状态。
//
// 空字符串表示尚未观察到任何链上状态（Pending）。
type State string

const (
	StatePending          State = ""
	StateWaitingForAction State = "WaitingForExternalAction"
	StateFundsLocked      State = "FundsLocked"
	StateResultSubmitted  State = "ResultSubmitted"
	StateWithdrawn        State = "Withdrawn"
	StateRefundWithdrawn  State = "RefundWithdrawn"
	StateDisputed         State = "DisputedWithdrawn"
)

// IsTerminal 判断该状态是否为终态。终态条目不再参与轮询，
// 但在显式清理之前仍可查询。
func (s State) IsTerminal() bool {
	switch s {
	case StateWithdrawn, StateRefundWithdrawn, StateDisputed:
		return true
	default:
		return false
	}
}

// IsValidState 检查给定的链上状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StatePending, StateWaitingForAction, StateFundsLocked,
		StateResultSubmitted, StateWithdrawn, StateRefundWithdrawn, StateDisputed:
		return true
	default:
		return false
	}
}

// PaymentRequest 描述一笔被追踪的托管支付。
//
// BlockchainIdentifier 由远端账本在创建时分配，不可变，是存储的主键。
// IdentifierFromPurchaser 是买方提供的盐，创建后不可变。
// OnChainState 只会被成功的对账响应覆盖。
type PaymentRequest struct {
	BlockchainIdentifier    string             `json:"blockchain_identifier"`
	IdentifierFromPurchaser string             `json:"identifier_from_purchaser"`
	OnChainState            State              `json:"on_chain_state,omitempty"`
	PayByTime               time.Time          `json:"pay_by_time"`
	SubmitResultTime        time.Time          `json:"submit_result_time"`
	InputHash               string             `json:"input_hash,omitempty"`
	ResultHash              string             `json:"result_hash,omitempty"`
	NextAction              *ledger.NextAction `json:"next_action,omitempty"`
	RequestedFunds          []ledger.Amount    `json:"requested_funds,omitempty"`
	Metadata                map[string]any     `json:"metadata,omitempty"`
	CreatedAt               int64              `json:"created_at"`
	UpdatedAt               int64              `json:"updated_at"`
}

var (
	// ErrNotProvisioned 表示尚未配置智能体身份，无法发起远端调用。
	ErrNotProvisioned = xerrors.New(CodeNotProvisioned, "agent identity not provisioned")
	// ErrUnknownPayment 表示存储中不存在指定的支付标识。
	ErrUnknownPayment = xerrors.New(CodeUnknownPayment, "payment not tracked")
	// ErrPaymentConflict 表示相同标识的支付已经存在。
	ErrPaymentConflict = xerrors.New(CodePaymentConflict, "payment already tracked", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrEngineClosed 表示生命周期引擎已经关闭。
	ErrEngineClosed = xerrors.New(CodeEngineClosed, "payment engine closed", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeNotProvisioned  xerrors.Code = "PAYMENT_NOT_PROVISIONED"
	CodeUnknownPayment  xerrors.Code = "PAYMENT_UNKNOWN"
	CodePaymentConflict xerrors.Code = "PAYMENT_CONFLICT"
	CodeValidation      xerrors.Code = "PAYMENT_VALIDATION_FAILED"
	CodeEngineClosed    xerrors.Code = "PAYMENT_ENGINE_CLOSED"
	CodeMonitorFailure  xerrors.Code = "PAYMENT_MONITOR_FAILURE"
)

func init() {
	xerrors.Register(CodeNotProvisioned, xerrors.Attributes{
		Message:   "agent identity not provisioned",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownPayment, xerrors.Attributes{
		Message:   "payment not tracked",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentConflict, xerrors.Attributes{
		Message:   "payment already tracked",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:   "payment validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEngineClosed, xerrors.Attributes{
		Message:   "payment engine closed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMonitorFailure, xerrors.Attributes{
		Message:   "scheduled reconciliation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// FromEntity 把远端实体转换为本地支付条目。
func FromEntity(entity *ledger.Entity) *PaymentRequest {
	if entity == nil {
		return nil
	}
	return &PaymentRequest{
		BlockchainIdentifier:    entity.BlockchainIdentifier,
		IdentifierFromPurchaser: entity.IdentifierFromPurchaser,
		OnChainState:            State(entity.OnChainState),
		PayByTime:               entity.PayByTime,
		SubmitResultTime:        entity.SubmitResultTime,
		InputHash:               entity.InputHash,
		ResultHash:              entity.ResultHash,
		NextAction:              cloneNextAction(entity.NextAction),
		RequestedFunds:          append([]ledger.Amount(nil), entity.RequestedFunds...),
		Metadata:                cloneMetadata(entity.Metadata),
	}
}

func clonePayment(p *PaymentRequest) *PaymentRequest {
	if p == nil {
		return nil
	}
	clone := *p
	clone.NextAction = cloneNextAction(p.NextAction)
	clone.RequestedFunds = append([]ledger.Amount(nil), p.RequestedFunds...)
	clone.Metadata = cloneMetadata(p.Metadata)
	return &clone
}

func cloneNextAction(action *ledger.NextAction) *ledger.NextAction {
	if action == nil {
		return nil
	}
	copied := *action
	return &copied
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
