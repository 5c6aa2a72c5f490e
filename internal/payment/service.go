package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/identity"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/proofs"
	"AgentPay-Chain/pkg/logger"
)

const (
	// DefaultPayByWindow 是未指定支付截止时间时的默认窗口。
	DefaultPayByWindow = 12 * time.Hour
	// DefaultSubmitResultWindow 是未指定提交结果截止时间时的默认窗口。
	DefaultSubmitResultWindow = 24 * time.Hour
)

// Service 是支付生命周期引擎。
//
// 所有会发起远端调用的操作都串行执行：同一时刻最多一个远端请求
// 在途，后到的调用排队等待。Close 之后的在途响应被静默丢弃。
type Service struct {
	ledger   ledger.Client
	store    Store
	identity identity.Provider
	bus      events.Publisher
	alerter  alerting.Dispatcher
	network  string
	log      *slog.Logger

	mu     sync.Mutex
	closed atomic.Bool

	monitorMu       sync.Mutex
	monitorRunning  atomic.Bool
	monitorCancel   context.CancelFunc
	monitorWG       sync.WaitGroup
	monitorInterval time.Duration
}

// Option 调整 Service 的可选配置。
type Option func(*Service)

// WithNetwork 设置创建支付时上送的网络标识。
func WithNetwork(network string) Option {
	return func(s *Service) { s.network = network }
}

// WithLogger 替换服务使用的日志器。
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithAlertDispatcher 设置监控失败时使用的告警分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Service) { s.alerter = dispatcher }
}

// WithMonitorInterval 覆盖监控轮询周期。
func WithMonitorInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.monitorInterval = interval
		}
	}
}

// NewService 组装生命周期引擎。
func NewService(ledgerClient ledger.Client, store Store, provider identity.Provider, bus events.Publisher, opts ...Option) (*Service, error) {
	if ledgerClient == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "账本客户端不能为空")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "支付存储不能为空")
	}
	if provider == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "身份提供者不能为空")
	}

	service := &Service{
		ledger:          ledgerClient,
		store:           store,
		identity:        provider,
		bus:             bus,
		log:             logger.Named("payment"),
		monitorInterval: DefaultMonitorInterval,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// CreateParams 描述一次创建支付请求的输入。
type CreateParams struct {
	// IdentifierFromPurchaser 是买方提供的盐，同时参与输入哈希计算。
	IdentifierFromPurchaser string
	// InputData 是任务输入。只有它的哈希会离开进程，原始数据不上送。
	InputData any
	// PayByTime 为零值时取当前时间加 DefaultPayByWindow。
	PayByTime time.Time
	// SubmitResultTime 为零值时取当前时间加 DefaultSubmitResultWindow。
	SubmitResultTime time.Time
	Metadata         map[string]any
}

// CreatePaymentRequest 在远端账本上登记一笔新的托管支付并写入本地缓存。
func (s *Service) CreatePaymentRequest(ctx context.Context, params CreateParams) (*PaymentRequest, error) {
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}
	purchaser := strings.TrimSpace(params.IdentifierFromPurchaser)
	if purchaser == "" {
		return nil, xerrors.New(CodeValidation, "identifierFromPurchaser 不能为空")
	}

	agent, err := s.identity.Identity(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeNotProvisioned, err, "获取智能体身份失败")
	}
	if !agent.Provisioned() {
		return nil, ErrNotProvisioned
	}

	now := time.Now().UTC()
	payBy := params.PayByTime
	if payBy.IsZero() {
		payBy = now.Add(DefaultPayByWindow)
	}
	submitBy := params.SubmitResultTime
	if submitBy.IsZero() {
		submitBy = now.Add(DefaultSubmitResultWindow)
	}

	inputHash := ""
	if params.InputData != nil {
		inputHash, err = proofs.Hash(params.InputData, purchaser)
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entity, err := s.ledger.Create(ctx, ledger.CreateRequest{
		AgentIdentifier:         agent.AgentIdentifier,
		Network:                 s.network,
		PayByTime:               payBy,
		SubmitResultTime:        submitBy,
		IdentifierFromPurchaser: purchaser,
		InputHash:               inputHash,
		Metadata:                params.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}
	if entity == nil || strings.TrimSpace(entity.BlockchainIdentifier) == "" {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "远端未返回 blockchainIdentifier")
	}

	entry := FromEntity(entity)
	if entry.IdentifierFromPurchaser == "" {
		entry.IdentifierFromPurchaser = purchaser
	}
	if entry.InputHash == "" {
		entry.InputHash = inputHash
	}
	if entry.Metadata == nil {
		entry.Metadata = cloneMetadata(params.Metadata)
	}
	if err := s.store.Insert(ctx, entry); err != nil {
		return nil, err
	}

	created := events.New(events.TypeCreated, entry.BlockchainIdentifier)
	created.New = string(entry.OnChainState)
	created.Entity = clonePayment(entry)
	s.emit(ctx, created)

	s.log.Info("支付请求已创建",
		slog.String("payment_id", entry.BlockchainIdentifier),
		slog.String("network", s.network))
	return clonePayment(entry), nil
}

// RefreshStatus 从远端拉取最新状态并覆盖本地快照。
//
// 远端是 onChainState 的唯一可信来源，本地状态永远不回写远端；
// 状态未变化时不产生任何事件。
func (s *Service) RefreshStatus(ctx context.Context, blockchainIdentifier string) (*PaymentRequest, error) {
	id := strings.TrimSpace(blockchainIdentifier)
	if id == "" {
		return nil, xerrors.New(CodeValidation, "blockchainIdentifier 不能为空")
	}
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx, id)
}

func (s *Service) refreshLocked(ctx context.Context, id string) (*PaymentRequest, error) {
	cached, getErr := s.store.Get(ctx, id)
	existed := getErr == nil

	entity, err := s.ledger.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}
	if entity == nil {
		return nil, xerrors.New(CodeUnknownPayment, fmt.Sprintf("远端不存在支付 %s", id))
	}

	fresh := FromEntity(entity)
	fresh.BlockchainIdentifier = id
	prev := StatePending
	if existed {
		prev = cached.OnChainState
		if fresh.IdentifierFromPurchaser == "" {
			fresh.IdentifierFromPurchaser = cached.IdentifierFromPurchaser
		}
		if fresh.InputHash == "" {
			fresh.InputHash = cached.InputHash
		}
		if fresh.ResultHash == "" {
			fresh.ResultHash = cached.ResultHash
		}
	}

	if err := s.store.Upsert(ctx, fresh); err != nil {
		return nil, err
	}

	if !existed {
		created := events.New(events.TypeCreated, id)
		created.New = string(fresh.OnChainState)
		created.Entity = clonePayment(fresh)
		s.emit(ctx, created)
	}
	s.emitTransitions(ctx, prev, fresh)
	return clonePayment(fresh), nil
}

// SubmitResult 计算结果哈希并提交到远端账本。
//
// 原始结果数据不上送，远端只收到加盐哈希。未被追踪的支付
// 在任何远端调用发生之前就被拒绝。
func (s *Service) SubmitResult(ctx context.Context, blockchainIdentifier string, outputData any) (*PaymentRequest, error) {
	id := strings.TrimSpace(blockchainIdentifier)
	if id == "" {
		return nil, xerrors.New(CodeValidation, "blockchainIdentifier 不能为空")
	}
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cached, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	resultHash, err := proofs.Hash(outputData, cached.IdentifierFromPurchaser)
	if err != nil {
		return nil, err
	}

	entity, err := s.ledger.SubmitResult(ctx, id, resultHash)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}

	fresh := s.mergeRemote(cached, entity)
	fresh.ResultHash = resultHash
	if err := s.store.Upsert(ctx, fresh); err != nil {
		return nil, err
	}

	submitted := events.New(events.TypeResultSubmitted, id)
	submitted.Hash = resultHash
	submitted.Entity = clonePayment(fresh)
	s.emit(ctx, submitted)
	s.emitTransitions(ctx, cached.OnChainState, fresh)

	s.log.Info("结果哈希已提交",
		slog.String("payment_id", id),
		slog.String("result_hash", resultHash))
	return clonePayment(fresh), nil
}

// AuthorizeRefund 授权买方提取退款。
func (s *Service) AuthorizeRefund(ctx context.Context, blockchainIdentifier string) (*PaymentRequest, error) {
	id := strings.TrimSpace(blockchainIdentifier)
	if id == "" {
		return nil, xerrors.New(CodeValidation, "blockchainIdentifier 不能为空")
	}
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cached, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	entity, err := s.ledger.AuthorizeRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}

	fresh := s.mergeRemote(cached, entity)
	if err := s.store.Upsert(ctx, fresh); err != nil {
		return nil, err
	}

	authorized := events.New(events.TypeRefundAuthorized, id)
	authorized.Entity = clonePayment(fresh)
	s.emit(ctx, authorized)
	s.emitTransitions(ctx, cached.OnChainState, fresh)

	s.log.Info("退款已授权", slog.String("payment_id", id))
	return clonePayment(fresh), nil
}

// ListPayments 透传远端的分页查询。
//
// 结果是瞬时视图：本地缓存不写入、不产生事件。只有 RefreshStatus
// 路径才会让远端状态落到本地快照上。
func (s *Service) ListPayments(ctx context.Context, query ledger.ListQuery) (*ledger.ListResult, error) {
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.ledger.List(ctx, query)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}
	return result, nil
}

// Get 返回本地缓存的支付快照，不发起远端调用。
func (s *Service) Get(ctx context.Context, blockchainIdentifier string) (*PaymentRequest, error) {
	return s.store.Get(ctx, blockchainIdentifier)
}

// Payments 返回全部本地缓存条目。
func (s *Service) Payments(ctx context.Context) ([]*PaymentRequest, error) {
	return s.store.List(ctx)
}

// Stats 返回本地缓存的条目分布。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// PruneTerminal 清理已结束的支付条目。
func (s *Service) PruneTerminal(ctx context.Context) (int, error) {
	return s.store.PruneTerminal(ctx)
}

// Close 停止监控，丢弃本地缓存并断开事件总线。
//
// 不持有操作锁：在途的远端调用继续执行，其响应在返回时被丢弃。
// 重复调用是无害的空操作。
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.StopMonitor()

	var errs []error
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.ledger.Close()
	s.log.Info("支付引擎已关闭")
	return errors.Join(errs...)
}

// mergeRemote 用远端实体覆盖本地快照，保留远端未回传的不可变字段。
func (s *Service) mergeRemote(cached *PaymentRequest, entity *ledger.Entity) *PaymentRequest {
	fresh := FromEntity(entity)
	if fresh == nil {
		fresh = clonePayment(cached)
		return fresh
	}
	if fresh.BlockchainIdentifier == "" {
		fresh.BlockchainIdentifier = cached.BlockchainIdentifier
	}
	if fresh.IdentifierFromPurchaser == "" {
		fresh.IdentifierFromPurchaser = cached.IdentifierFromPurchaser
	}
	if fresh.InputHash == "" {
		fresh.InputHash = cached.InputHash
	}
	if fresh.ResultHash == "" {
		fresh.ResultHash = cached.ResultHash
	}
	return fresh
}

// emitTransitions 在状态真正变化时发布状态事件，未变化时保持沉默。
func (s *Service) emitTransitions(ctx context.Context, prev State, fresh *PaymentRequest) {
	if prev == fresh.OnChainState {
		return
	}

	changed := events.New(events.TypeStateChanged, fresh.BlockchainIdentifier)
	changed.Previous = string(prev)
	changed.New = string(fresh.OnChainState)
	changed.Entity = clonePayment(fresh)
	s.emit(ctx, changed)

	switch fresh.OnChainState {
	case StateFundsLocked:
		locked := events.New(events.TypeFundsLocked, fresh.BlockchainIdentifier)
		locked.Entity = clonePayment(fresh)
		s.emit(ctx, locked)
	case StateWithdrawn:
		completed := events.New(events.TypeCompleted, fresh.BlockchainIdentifier)
		completed.Entity = clonePayment(fresh)
		s.emit(ctx, completed)
	}
}

func (s *Service) emit(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.log.Warn("事件发布失败",
			slog.String("event_type", string(event.Type)),
			slog.String("payment_id", event.PaymentID),
			slog.Any("error", err))
	}
}
