package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/observability/alerting"
)

// DefaultMonitorInterval 是监控调度器的默认轮询周期。
const DefaultMonitorInterval = 30 * time.Second

// StartMonitor 启动后台监控调度器。
//
// 调度器按固定周期遍历所有非终态条目并逐个对账；整个服务
// 最多只有一个调度器实例，重复启动是一次带告警日志的空操作。
func (s *Service) StartMonitor(ctx context.Context) error {
	if s.closed.Load() {
		return ErrEngineClosed
	}
	if !s.monitorRunning.CompareAndSwap(false, true) {
		s.log.Warn("监控调度器已在运行，忽略重复启动")
		return nil
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	s.monitorMu.Lock()
	s.monitorCancel = cancel
	s.monitorMu.Unlock()

	s.monitorWG.Add(1)
	go s.monitorLoop(monitorCtx)

	s.log.Info("监控调度器已启动",
		slog.Duration("interval", s.monitorInterval))
	return nil
}

// StopMonitor 停止监控调度器并等待当前轮询周期结束。
// 未启动时调用是无害的空操作。
func (s *Service) StopMonitor() {
	s.monitorMu.Lock()
	cancel := s.monitorCancel
	s.monitorCancel = nil
	s.monitorMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.monitorWG.Wait()
}

func (s *Service) monitorLoop(ctx context.Context) {
	defer s.monitorWG.Done()
	defer s.monitorRunning.Store(false)

	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()

	s.runMonitorCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMonitorCycle(ctx)
		}
	}
}

// runMonitorCycle 顺序对账所有非终态条目。
//
// 单个条目的失败只影响它自己：记录 monitor_error 事件后继续
// 处理剩余条目，条目本身保持原状等待下一个周期。
func (s *Service) runMonitorCycle(ctx context.Context) {
	entries, err := s.store.NonTerminal(ctx)
	if err != nil {
		s.log.Error("读取非终态条目失败", slog.Any("error", err))
		return
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := s.RefreshStatus(ctx, entry.BlockchainIdentifier); err != nil {
			if errors.Is(err, ErrEngineClosed) {
				return
			}
			s.reportMonitorFailure(ctx, entry.BlockchainIdentifier, err)
		}
	}
}

func (s *Service) reportMonitorFailure(ctx context.Context, paymentID string, cause error) {
	s.log.Error("对账失败",
		slog.String("payment_id", paymentID),
		slog.Any("error", cause))

	event := events.New(events.TypeMonitorError, paymentID)
	event.Cause = cause.Error()
	s.emit(ctx, event)

	if s.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	alert := alerting.Event{
		Code:       CodeMonitorFailure,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		PaymentID:  paymentID,
		Network:    s.network,
		OccurredAt: time.Now(),
	}
	if err := s.alerter.Notify(ctx, alert); err != nil {
		s.log.Warn("告警发送失败",
			slog.String("payment_id", paymentID),
			slog.Any("error", err))
	}
}
