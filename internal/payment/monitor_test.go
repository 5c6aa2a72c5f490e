package payment

import (
	"context"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if condition() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("等待条件超时")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMonitorSkipsTerminalEntries(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	bus := &recordingBus{}
	service := newTestService(t, fl, bus, WithMonitorInterval(time.Hour))
	defer service.Close()

	active, err := service.CreatePaymentRequest(ctx, CreateParams{IdentifierFromPurchaser: "salt-active"})
	if err != nil {
		t.Fatalf("创建支付请求失败: %v", err)
	}
	done, err := service.CreatePaymentRequest(ctx, CreateParams{IdentifierFromPurchaser: "salt-done"})
	if err != nil {
		t.Fatalf("创建支付请求失败: %v", err)
	}

	fl.setState(done.BlockchainIdentifier, StateWithdrawn)
	if _, err := service.RefreshStatus(ctx, done.BlockchainIdentifier); err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	terminalFetches := fl.fetches(done.BlockchainIdentifier)

	if err := service.StartMonitor(ctx); err != nil {
		t.Fatalf("启动监控失败: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return fl.fetches(active.BlockchainIdentifier) >= 1
	})
	service.StopMonitor()

	if got := fl.fetches(done.BlockchainIdentifier); got != terminalFetches {
		t.Fatalf("终态条目不应被轮询: 额外对账 %d 次", got-terminalFetches)
	}
}

func TestMonitorIsolatesPerEntryFailures(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLedger()
	bus := &recordingBus{}
	service := newTestService(t, fl, bus, WithMonitorInterval(time.Hour))
	defer service.Close()

	var ids []string
	for _, salt := range []string{"salt-a", "salt-b", "salt-c"} {
		entry, err := service.CreatePaymentRequest(ctx, CreateParams{IdentifierFromPurchaser: salt})
		if err != nil {
			t.Fatalf("创建支付请求失败: %v", err)
		}
		ids = append(ids, entry.BlockchainIdentifier)
	}

	fl.mu.Lock()
	fl.fetchErr[ids[1]] = xerrors.New(xerrors.CodeTransportFailure, "连接超时")
	fl.mu.Unlock()

	if err := service.StartMonitor(ctx); err != nil {
		t.Fatalf("启动监控失败: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return fl.fetches(ids[0]) >= 1 && fl.fetches(ids[2]) >= 1
	})
	service.StopMonitor()

	monitorErrors := bus.ofType(events.TypeMonitorError)
	if len(monitorErrors) != 1 {
		t.Fatalf("期望 1 个 monitor_error 事件，实际 %d", len(monitorErrors))
	}
	if monitorErrors[0].PaymentID != ids[1] {
		t.Fatalf("monitor_error 指向错误的支付: %s", monitorErrors[0].PaymentID)
	}
	if monitorErrors[0].Cause == "" {
		t.Fatal("monitor_error 应携带失败原因")
	}

	stored, err := service.Get(ctx, ids[1])
	if err != nil {
		t.Fatalf("失败条目应保持原状: %v", err)
	}
	if stored.OnChainState != StatePending {
		t.Fatalf("失败条目状态不应变化: %s", stored.OnChainState)
	}
}

func TestMonitorStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t, newFakeLedger(), &recordingBus{}, WithMonitorInterval(time.Hour))
	defer service.Close()

	if err := service.StartMonitor(ctx); err != nil {
		t.Fatalf("首次启动失败: %v", err)
	}
	if err := service.StartMonitor(ctx); err != nil {
		t.Fatalf("重复启动应为空操作，实际 %v", err)
	}
	service.StopMonitor()

	if err := service.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if err := service.StartMonitor(ctx); xerrors.CodeOf(err) != CodeEngineClosed {
		t.Fatalf("关闭后启动应被拒绝，实际 %v", err)
	}
}

func TestMonitorStopWithoutStart(t *testing.T) {
	service := newTestService(t, newFakeLedger(), &recordingBus{})
	defer service.Close()
	service.StopMonitor()
}
