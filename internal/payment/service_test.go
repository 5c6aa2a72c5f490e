package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/identity"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/proofs"
)

type fakeLedger struct {
	mu          sync.Mutex
	entities    map[string]ledger.Entity
	fetchErr    map[string]error
	onFetch     func(id string)
	createCalls int
	fetchCalls  map[string]int
	submitCalls int
	refundCalls int
	listCalls   int
	nextID      int
}

var _ ledger.Client = (*fakeLedger)(nil)

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		entities:   make(map[string]ledger.Entity),
		fetchErr:   make(map[string]error),
		fetchCalls: make(map[string]int),
	}
}

func (f *fakeLedger) Create(_ context.Context, req ledger.CreateRequest) (*ledger.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.nextID++
	entity := ledger.Entity{
		BlockchainIdentifier:    fmt.Sprintf("chain-%d", f.nextID),
		IdentifierFromPurchaser: req.IdentifierFromPurchaser,
		PayByTime:               req.PayByTime,
		SubmitResultTime:        req.SubmitResultTime,
		InputHash:               req.InputHash,
		Metadata:                req.Metadata,
	}
	f.entities[entity.BlockchainIdentifier] = entity
	copied := entity
	return &copied, nil
}

func (f *fakeLedger) Fetch(_ context.Context, id string) (*ledger.Entity, error) {
	f.mu.Lock()
	hook := f.onFetch
	f.fetchCalls[id]++
	if err := f.fetchErr[id]; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	entity, ok := f.entities[id]
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if !ok {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "远端不存在该支付")
	}
	copied := entity
	return &copied, nil
}

func (f *fakeLedger) SubmitResult(_ context.Context, id, resultHash string) (*ledger.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	entity, ok := f.entities[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "远端不存在该支付")
	}
	entity.ResultHash = resultHash
	entity.OnChainState = string(StateResultSubmitted)
	f.entities[id] = entity
	copied := entity
	return &copied, nil
}

func (f *fakeLedger) AuthorizeRefund(_ context.Context, id string) (*ledger.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	entity, ok := f.entities[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "远端不存在该支付")
	}
	entity.OnChainState = string(StateRefundWithdrawn)
	f.entities[id] = entity
	copied := entity
	return &copied, nil
}

func (f *fakeLedger) List(_ context.Context, _ ledger.ListQuery) (*ledger.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	result := &ledger.ListResult{}
	for _, entity := range f.entities {
		result.Data = append(result.Data, entity)
	}
	return result, nil
}

func (f *fakeLedger) Close() {}

func (f *fakeLedger) setState(id string, state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entity := f.entities[id]
	entity.OnChainState = string(state)
	f.entities[id] = entity
}

func (f *fakeLedger) fetches(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls[id]
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

var _ events.Publisher = (*recordingBus)(nil)

func (b *recordingBus) Publish(_ context.Context, event events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) ofType(eventType events.Type) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []events.Event
	for _, event := range b.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func newTestService(t *testing.T, fl *fakeLedger, bus events.Publisher, opts ...Option) *Service {
	t.Helper()
	provider := identity.NewStaticProvider("agent-1", "0x0102030405060708090a0b0c0d0e0f1011121314")
	opts = append([]Option{WithNetwork("Preprod")}, opts...)
	service, err := NewService(fl, NewMemoryStore(), provider, bus, opts...)
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}
	return service
}

func TestCreatePaymentRequest(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	bus := &recordingBus{}
	service := newTestService(t, fl, bus)
	defer service.Close()

	input := map[string]any{"goal": "summarize", "tokens": 1024}
	before := time.Now().UTC()
	entry, err := service.CreatePaymentRequest(ctx, CreateParams{
		IdentifierFromPurchaser: "buyer-salt-1",
		InputData:               input,
	})
	if err != nil {
		t.Fatalf("创建支付请求失败: %v", err)
	}
	if entry.BlockchainIdentifier == "" {
		t.Fatal("期望远端分配 blockchainIdentifier")
	}

	wantHash, err := proofs.Hash(input, "buyer-salt-1")
	if err != nil {
		t.Fatalf("计算输入哈希失败: %v", err)
	}
	if entry.InputHash != wantHash {
		t.Fatalf("输入哈希不一致: got %s want %s", entry.InputHash, wantHash)
	}

	if got := entry.PayByTime.Sub(before); got < DefaultPayByWindow-time.Minute || got > DefaultPayByWindow+time.Minute {
		t.Fatalf("payByTime 默认窗口异常: %v", got)
	}
	if got := entry.SubmitResultTime.Sub(before); got < DefaultSubmitResultWindow-time.Minute || got > DefaultSubmitResultWindow+time.Minute {
		t.Fatalf("submitResultTime 默认窗口异常: %v", got)
	}

	stored, err := service.Get(ctx, entry.BlockchainIdentifier)
	if err != nil {
		t.Fatalf("读取本地缓存失败: %v", err)
	}
	if stored.IdentifierFromPurchaser != "buyer-salt-1" {
		t.Fatalf("买方盐未缓存: %q", stored.IdentifierFromPurchaser)
	}

	if created := bus.ofType(events.TypeCreated); len(created) != 1 {
		t.Fatalf("期望 1 个 created 事件，实际 %d", len(created))
	}
}

func TestCreateRequiresProvisionedIdentity(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	service, err := NewService(fl, NewMemoryStore(), identity.NewStaticProvider("", ""), &recordingBus{})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}
	defer service.Close()

	_, err = service.CreatePaymentRequest(ctx, CreateParams{IdentifierFromPurchaser: "salt"})
	if !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("期望未配置身份错误，实际 %v", err)
	}
	if fl.createCalls != 0 {
		t.Fatalf("身份缺失时不应发起远端调用，实际调用 %d 次", fl.createCalls)
	}
}

func TestCreateRejectsEmptyPurchaser(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t, newFakeLedger(), &recordingBus{})
	defer service.Close()

	_, err := service.CreatePaymentRequest(ctx, CreateParams{IdentifierFromPurchaser: "   "})
	if xerrors.CodeOf(err) != CodeValidation {
		t.Fatalf("期望校验错误，实际 %v", err)
	}
}

func TestRefreshSuppressesUnchangedState(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	bus := &recordingBus{}
	service := newTestService(t, fl, bus)
	defer service.Close()

	entry, err := service.CreatePaymentRequest(ctx, CreateParams{IdentifierFromPurchaser: "salt-1"})
	if err != nil {
		t.Fatalf("创建支付请求失败: %v", err)
	}

	fl.setState(entry.BlockchainIdentifier, StateFundsLocked)
	for i := 0; i < 2; i++ {
		if _, err := service.RefreshStatus(ctx, entry.BlockchainIdentifier); err != nil {
			t.Fatalf("第 %d 次对账失败: %v", i+1, err)
		}
	}

	if changed := bus.ofType(events.TypeStateChanged); len(changed) != 1 {
		t.Fatalf("状态未变化时应抑制事件，state_changed 实际 %d 个", len(changed))
	}
	if locked := bus.ofType(events.TypeFundsLocked); len(locked) != 1 {
		t.Fatalf("期望 1 个 funds_locked 事件，实际 %d", len(locked))
	}

	stored, err := service.Get(ctx, entry.BlockchainIdentifier)
	if err != nil {
		t.Fatalf("读取本地缓存失败: %v", err)
	}
	if stored.OnChainState != StateFundsLocked {
		t.Fatalf("本地状态未更新: %s", stored.OnChainState)
	}
}

func TestRefreshInsertsUntrackedPayment(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	fl.entities["chain-ext"] = ledger.Entity{
		BlockchainIdentifier:    "chain-ext",
		IdentifierFromPurchaser: "salt-ext",
		OnChainState:            string(StateFundsLocked),
	}
	bus := &recordingBus{}
	service := newTestService(t, fl, bus)
	defer service.Close()

	entry, err := service.RefreshStatus(ctx, "chain-ext")
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if entry.OnChainState != StateFundsLocked {
		t.Fatalf("状态不一致: %s", entry.OnChainState)
	}
	if created := bus.ofType(events.TypeCreated); len(created) != 1 {
		t.Fatalf("首次观察到的支付应产生 created 事件，实际 %d 个", len(created))
	}
	if _, err := service.Get(ctx, "chain-ext"); err != nil {
		t.Fatalf("条目应已写入本地缓存: %v", err)
	}
}

func TestSubmitResultRejectsUnknownPayment(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	service := newTestService(t, fl, &recordingBus{})
	defer service.Close()

	_, err := service.SubmitResult(ctx, "chain-unknown", map[string]any{"answer": 42})
	if xerrors.CodeOf(err) != CodeUnknownPayment {
		t.Fatalf("期望未知支付错误，实际 %v", err)
	}
	if fl.submitCalls != 0 {
		t.Fatalf("未知支付不应触达远端，实际调用 %d 次", fl.submitCalls)
	}
}

func TestSubmitResultUsesPurchaserSalt(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	bus := &recordingBus{}
	service := newTestService(t, fl, bus)
	defer service.Close()

	entry, err := service.CreatePaymentRequest(ctx, CreateParams{IdentifierFromPurchaser: "salt-7"})
	if err != nil {
		t.Fatalf("创建支付请求失败: %v", err)
	}

	output := map[string]any{"answer": "done", "score": 0.97}
	updated, err := service.SubmitResult(ctx, entry.BlockchainIdentifier, output)
	if err != nil {
		t.Fatalf("提交结果失败: %v", err)
	}

	wantHash, err := proofs.Hash(output, "salt-7")
	if err != nil {
		t.Fatalf("计算结果哈希失败: %v", err)
	}
	if updated.ResultHash != wantHash {
		t.Fatalf("结果哈希不一致: got %s want %s", updated.ResultHash, wantHash)
	}
	if updated.OnChainState != StateResultSubmitted {
		t.Fatalf("状态不一致: %s", updated.OnChainState)
	}

	submitted := bus.ofType(events.TypeResultSubmitted)
	if len(submitted) != 1 {
		t.Fatalf("期望 1 个 result_submitted 事件，实际 %d", len(submitted))
	}
	if submitted[0].Hash != wantHash {
		t.Fatalf("事件携带的哈希不一致: %s", submitted[0].Hash)
	}
}

func TestListPaymentsLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	bus := &recordingBus{}
	service := newTestService(t, fl, bus)
	defer service.Close()

	entry, err := service.CreatePaymentRequest(ctx, CreateParams{IdentifierFromPurchaser: "salt-list"})
	if err != nil {
		t.Fatalf("创建支付请求失败: %v", err)
	}
	eventsBefore := len(bus.ofType(events.TypeCreated)) + len(bus.ofType(events.TypeStateChanged)) +
		len(bus.ofType(events.TypeFundsLocked)) + len(bus.ofType(events.TypeCompleted))

	// 远端状态变了，但分页查询只是瞬时视图。
	fl.setState(entry.BlockchainIdentifier, StateFundsLocked)
	result, err := service.ListPayments(ctx, ledger.ListQuery{Limit: 10})
	if err != nil {
		t.Fatalf("分页查询失败: %v", err)
	}
	if len(result.Data) != 1 || result.Data[0].OnChainState != string(StateFundsLocked) {
		t.Fatalf("分页结果应反映远端状态: %+v", result.Data)
	}

	cached, err := service.Get(ctx, entry.BlockchainIdentifier)
	if err != nil {
		t.Fatalf("读取本地缓存失败: %v", err)
	}
	if cached.OnChainState != StatePending {
		t.Fatalf("分页查询不应改写本地缓存，实际状态 %q", cached.OnChainState)
	}

	eventsAfter := len(bus.ofType(events.TypeCreated)) + len(bus.ofType(events.TypeStateChanged)) +
		len(bus.ofType(events.TypeFundsLocked)) + len(bus.ofType(events.TypeCompleted))
	if eventsAfter != eventsBefore {
		t.Fatalf("分页查询不应产生事件: before=%d after=%d", eventsBefore, eventsAfter)
	}

	// 对账仍是状态落地的唯一路径。
	if _, err := service.RefreshStatus(ctx, entry.BlockchainIdentifier); err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	cached, err = service.Get(ctx, entry.BlockchainIdentifier)
	if err != nil {
		t.Fatalf("读取本地缓存失败: %v", err)
	}
	if cached.OnChainState != StateFundsLocked {
		t.Fatalf("对账后状态应落地: %q", cached.OnChainState)
	}
}

func TestAuthorizeRefund(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	bus := &recordingBus{}
	service := newTestService(t, fl, bus)
	defer service.Close()

	entry, err := service.CreatePaymentRequest(ctx, CreateParams{IdentifierFromPurchaser: "salt-9"})
	if err != nil {
		t.Fatalf("创建支付请求失败: %v", err)
	}

	updated, err := service.AuthorizeRefund(ctx, entry.BlockchainIdentifier)
	if err != nil {
		t.Fatalf("授权退款失败: %v", err)
	}
	if updated.OnChainState != StateRefundWithdrawn {
		t.Fatalf("状态不一致: %s", updated.OnChainState)
	}
	if !updated.OnChainState.IsTerminal() {
		t.Fatal("RefundWithdrawn 应当是终态")
	}
	if authorized := bus.ofType(events.TypeRefundAuthorized); len(authorized) != 1 {
		t.Fatalf("期望 1 个 refund_authorized 事件，实际 %d", len(authorized))
	}
}

func TestLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	bus := &recordingBus{}
	service := newTestService(t, fl, bus)
	defer service.Close()

	entry, err := service.CreatePaymentRequest(ctx, CreateParams{
		IdentifierFromPurchaser: "salt-e2e",
		InputData:               map[string]any{"goal": "translate"},
	})
	if err != nil {
		t.Fatalf("创建支付请求失败: %v", err)
	}
	id := entry.BlockchainIdentifier

	fl.setState(id, StateFundsLocked)
	if _, err := service.RefreshStatus(ctx, id); err != nil {
		t.Fatalf("资金锁定对账失败: %v", err)
	}

	if _, err := service.SubmitResult(ctx, id, map[string]any{"translation": "你好"}); err != nil {
		t.Fatalf("提交结果失败: %v", err)
	}

	fl.setState(id, StateWithdrawn)
	final, err := service.RefreshStatus(ctx, id)
	if err != nil {
		t.Fatalf("最终对账失败: %v", err)
	}
	if final.OnChainState != StateWithdrawn {
		t.Fatalf("期望 Withdrawn，实际 %s", final.OnChainState)
	}

	for eventType, want := range map[events.Type]int{
		events.TypeCreated:         1,
		events.TypeFundsLocked:     1,
		events.TypeResultSubmitted: 1,
		events.TypeCompleted:       1,
		events.TypeStateChanged:    3,
	} {
		if got := len(bus.ofType(eventType)); got != want {
			t.Fatalf("%s 事件数量不符: got %d want %d", eventType, got, want)
		}
	}

	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Terminal != 1 || stats.NonTerminal != 0 {
		t.Fatalf("终态统计异常: %+v", stats)
	}

	removed, err := service.PruneTerminal(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("清理终态条目异常: removed=%d err=%v", removed, err)
	}
}

func TestCloseDiscardsInFlightResult(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	bus := &recordingBus{}
	service := newTestService(t, fl, bus)

	entry, err := service.CreatePaymentRequest(ctx, CreateParams{IdentifierFromPurchaser: "salt-close"})
	if err != nil {
		t.Fatalf("创建支付请求失败: %v", err)
	}

	fl.setState(entry.BlockchainIdentifier, StateFundsLocked)
	fl.onFetch = func(string) {
		if err := service.Close(); err != nil {
			t.Errorf("关闭失败: %v", err)
		}
	}

	_, err = service.RefreshStatus(ctx, entry.BlockchainIdentifier)
	if !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("期望引擎关闭错误，实际 %v", err)
	}
	if changed := bus.ofType(events.TypeStateChanged); len(changed) != 0 {
		t.Fatalf("关闭后应丢弃在途结果，state_changed 实际 %d 个", len(changed))
	}

	if _, err := service.CreatePaymentRequest(ctx, CreateParams{IdentifierFromPurchaser: "salt"}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("关闭后创建应被拒绝，实际 %v", err)
	}
	if err := service.Close(); err != nil {
		t.Fatalf("重复关闭应为空操作: %v", err)
	}
}
