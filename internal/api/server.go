package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/identity"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/storage/mysql"
)

// Server 负责暴露 REST 接口，供外部驱动支付生命周期。
type Server struct {
	addr     string
	payments *payment.Service
	wallet   *identity.WalletProvider
	events   EventLog
}

// EventLog 提供按支付标识回放事件流水的只读视图。
type EventLog interface {
	ListLatest(ctx context.Context, paymentID string, limit int) ([]mysql.EventRecord, error)
}

// ServerOption 调整 Server 的可选配置。
type ServerOption func(*Server)

// WithWallet 启用 /api/v1/identity 的链上余额查询。
func WithWallet(wallet *identity.WalletProvider) ServerOption {
	return func(s *Server) { s.wallet = wallet }
}

// WithEventLog 启用 /api/v1/payments/{id}/events 的流水查询。
func WithEventLog(log EventLog) ServerOption {
	return func(s *Server) { s.events = log }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, payments *payment.Service, opts ...ServerOption) *Server {
	server := &Server{addr: addr, payments: payments}
	for _, opt := range opts {
		opt(server)
	}
	return server
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由表，便于测试时直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/payments", s.instrument("payments", s.handlePayments))
	mux.HandleFunc("/api/v1/payments/", s.instrument("payment_detail", s.handlePaymentByID))
	mux.HandleFunc("/api/v1/stats", s.instrument("stats", s.handleStats))
	mux.HandleFunc("/api/v1/identity", s.instrument("identity", s.handleIdentity))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreatePayment(w, r)
	case http.MethodGet:
		s.handleListPayments(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type createPaymentRequest struct {
	IdentifierFromPurchaser string         `json:"identifier_from_purchaser"`
	InputData               any            `json:"input_data,omitempty"`
	PayByTime               time.Time      `json:"pay_by_time,omitempty"`
	SubmitResultTime        time.Time      `json:"submit_result_time,omitempty"`
	Metadata                map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	entry, err := s.payments.CreatePaymentRequest(r.Context(), payment.CreateParams{
		IdentifierFromPurchaser: req.IdentifierFromPurchaser,
		InputData:               req.InputData,
		PayByTime:               req.PayByTime,
		SubmitResultTime:        req.SubmitResultTime,
		Metadata:                req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	query := ledger.ListQuery{
		Cursor: r.URL.Query().Get("cursor"),
		Filter: r.URL.Query().Get("filter"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			query.Limit = parsed
		}
	}

	// local=true 只读本地缓存，不发起远端调用。
	if r.URL.Query().Get("local") == "true" {
		entries, err := s.payments.Payments(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	result, err := s.payments.ListPayments(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePaymentByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/payments/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少支付标识", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		entry, err := s.payments.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case action == "refresh" && r.Method == http.MethodPost:
		entry, err := s.payments.RefreshStatus(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case action == "submit-result" && r.Method == http.MethodPost:
		var req struct {
			OutputData any `json:"output_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		entry, err := s.payments.SubmitResult(r.Context(), id, req.OutputData)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case action == "authorize-refund" && r.Method == http.MethodPost:
		entry, err := s.payments.AuthorizeRefund(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case action == "events" && r.Method == http.MethodGet:
		if s.events == nil {
			http.Error(w, "未启用事件流水", http.StatusServiceUnavailable)
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		records, err := s.events.ListLatest(r.Context(), id, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	default:
		http.Error(w, "不支持的操作", http.StatusNotFound)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.payments.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.wallet == nil {
		http.Error(w, "未配置链上钱包", http.StatusServiceUnavailable)
		return
	}

	info, err := s.wallet.Identity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.wallet.Balance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_identifier": info.AgentIdentifier,
		"verification_key": info.VerificationKey,
		"balance":          balance,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 记录每个接口的请求量与耗时。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case payment.CodeValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case payment.CodeUnknownPayment, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case payment.CodePaymentConflict, xerrors.CodeConflict, payment.CodeNotProvisioned:
		status = http.StatusConflict
	case payment.CodeEngineClosed:
		status = http.StatusServiceUnavailable
	case xerrors.CodeTransportFailure:
		status = http.StatusBadGateway
	}

	writeJSON(w, status, map[string]errorBody{"error": {
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
	}})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
