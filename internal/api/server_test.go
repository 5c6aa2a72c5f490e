package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/identity"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/storage/mysql"
)

type stubLedger struct {
	entities map[string]ledger.Entity
	nextID   int
}

var _ ledger.Client = (*stubLedger)(nil)

func newStubLedger() *stubLedger {
	return &stubLedger{entities: make(map[string]ledger.Entity)}
}

func (s *stubLedger) Create(_ context.Context, req ledger.CreateRequest) (*ledger.Entity, error) {
	s.nextID++
	entity := ledger.Entity{
		BlockchainIdentifier:    "chain-" + string(rune('0'+s.nextID)),
		IdentifierFromPurchaser: req.IdentifierFromPurchaser,
		PayByTime:               req.PayByTime,
		SubmitResultTime:        req.SubmitResultTime,
		InputHash:               req.InputHash,
	}
	s.entities[entity.BlockchainIdentifier] = entity
	copied := entity
	return &copied, nil
}

func (s *stubLedger) Fetch(_ context.Context, id string) (*ledger.Entity, error) {
	entity, ok := s.entities[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "remote payment missing")
	}
	copied := entity
	return &copied, nil
}

func (s *stubLedger) SubmitResult(_ context.Context, id, resultHash string) (*ledger.Entity, error) {
	entity := s.entities[id]
	entity.ResultHash = resultHash
	entity.OnChainState = "ResultSubmitted"
	s.entities[id] = entity
	copied := entity
	return &copied, nil
}

func (s *stubLedger) AuthorizeRefund(_ context.Context, id string) (*ledger.Entity, error) {
	entity := s.entities[id]
	entity.OnChainState = "RefundWithdrawn"
	s.entities[id] = entity
	copied := entity
	return &copied, nil
}

func (s *stubLedger) List(_ context.Context, _ ledger.ListQuery) (*ledger.ListResult, error) {
	result := &ledger.ListResult{}
	for _, entity := range s.entities {
		result.Data = append(result.Data, entity)
	}
	return result, nil
}

func (s *stubLedger) Close() {}

func newTestServer(t *testing.T) (*Server, *payment.Service) {
	t.Helper()
	provider := identity.NewStaticProvider("agent-1", "0x0102030405060708090a0b0c0d0e0f1011121314")
	svc, err := payment.NewService(newStubLedger(), payment.NewMemoryStore(), provider, nil)
	if err != nil {
		t.Fatalf("build payment service: %v", err)
	}
	return NewServer(":0", svc), svc
}

func TestHandleCreatePayment(t *testing.T) {
	server, svc := newTestServer(t)
	defer svc.Close()

	body := strings.NewReader(`{"identifier_from_purchaser":"salt-1","input_data":{"goal":"demo"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", body)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusCreated)
	}
	var got payment.PaymentRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.BlockchainIdentifier == "" {
		t.Fatal("expected blockchain identifier in response")
	}
	if got.InputHash == "" {
		t.Fatal("expected input hash in response")
	}
}

func TestHandleCreatePaymentValidation(t *testing.T) {
	server, svc := newTestServer(t)
	defer svc.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments",
		strings.NewReader(`{"identifier_from_purchaser":""}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
	var got map[string]errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if got["error"].Code != string(payment.CodeValidation) {
		t.Fatalf("unexpected error code: %s", got["error"].Code)
	}
}

func TestHandlePaymentDetail(t *testing.T) {
	server, svc := newTestServer(t)
	defer svc.Close()

	entry, err := svc.CreatePaymentRequest(context.Background(), payment.CreateParams{
		IdentifierFromPurchaser: "salt-detail",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/"+entry.BlockchainIdentifier, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got payment.PaymentRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.BlockchainIdentifier != entry.BlockchainIdentifier {
		t.Fatalf("unexpected payment id: got %q want %q", got.BlockchainIdentifier, entry.BlockchainIdentifier)
	}
}

func TestHandlePaymentDetailNotFound(t *testing.T) {
	server, svc := newTestServer(t)
	defer svc.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/chain-missing", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestHandleSubmitResult(t *testing.T) {
	server, svc := newTestServer(t)
	defer svc.Close()

	entry, err := svc.CreatePaymentRequest(context.Background(), payment.CreateParams{
		IdentifierFromPurchaser: "salt-submit",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/payments/"+entry.BlockchainIdentifier+"/submit-result",
		strings.NewReader(`{"output_data":{"answer":"done"}}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got payment.PaymentRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ResultHash == "" {
		t.Fatal("expected result hash in response")
	}
	if got.OnChainState != payment.StateResultSubmitted {
		t.Fatalf("unexpected state: %s", got.OnChainState)
	}
}

func TestHandleSubmitResultUnknownPayment(t *testing.T) {
	server, svc := newTestServer(t)
	defer svc.Close()

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/payments/chain-missing/submit-result",
		strings.NewReader(`{"output_data":"x"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestHandleStats(t *testing.T) {
	server, svc := newTestServer(t)
	defer svc.Close()

	if _, err := svc.CreatePaymentRequest(context.Background(), payment.CreateParams{
		IdentifierFromPurchaser: "salt-stats",
	}); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got payment.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Total != 1 || got.NonTerminal != 1 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

type stubEventLog struct {
	lastPaymentID string
	lastLimit     int
	records       []mysql.EventRecord
}

func (s *stubEventLog) ListLatest(_ context.Context, paymentID string, limit int) ([]mysql.EventRecord, error) {
	s.lastPaymentID = paymentID
	s.lastLimit = limit
	return s.records, nil
}

func TestHandlePaymentEvents(t *testing.T) {
	server, svc := newTestServer(t)
	defer svc.Close()

	log := &stubEventLog{records: []mysql.EventRecord{
		{EventID: "evt-1", Type: "created", PaymentID: "chain-1", OccurredAt: 1700000000},
		{EventID: "evt-2", Type: "state_changed", PaymentID: "chain-1", Previous: "", New: "FundsLocked", OccurredAt: 1700000060},
	}}
	WithEventLog(log)(server)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/chain-1/events?limit=10", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	if log.lastPaymentID != "chain-1" {
		t.Fatalf("unexpected payment id forwarded: %q", log.lastPaymentID)
	}
	if log.lastLimit != 10 {
		t.Fatalf("unexpected limit forwarded: %d", log.lastLimit)
	}
	var got []mysql.EventRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected record count: got %d want 2", len(got))
	}
	if got[1].New != "FundsLocked" {
		t.Fatalf("unexpected record payload: %+v", got[1])
	}
}

func TestHandlePaymentEventsWithoutJournal(t *testing.T) {
	server, svc := newTestServer(t)
	defer svc.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/chain-1/events", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestHandleIdentityWithoutWallet(t *testing.T) {
	server, svc := newTestServer(t)
	defer svc.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/identity", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}
