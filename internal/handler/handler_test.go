package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"paysupport/internal/config"
	"paysupport/internal/repository"
	"paysupport/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "whsec_test"

type stubRouter struct {
	routed chan service.InboundMessage
}

func (s *stubRouter) Route(_ context.Context, msg service.InboundMessage) service.RouteOutcome {
	s.routed <- msg
	return service.OutcomeFallbackMenu
}

type stubPayments struct {
	mu     sync.Mutex
	events []service.PaymentEvent
	err    error
}

func (s *stubPayments) Handle(_ context.Context, evt service.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

type stubNegotiator struct {
	result     *service.NegotiationResult
	err        error
	lastAction string
	lastReason string
	lastAmount *decimal.Decimal
}

func (s *stubNegotiator) Start(context.Context, service.NegotiationKey) (*service.NegotiationResult, error) {
	s.lastAction = ActionRefundStart
	return s.result, s.err
}

func (s *stubNegotiator) SubmitReason(_ context.Context, _ service.NegotiationKey, reason string, _ bool) (*service.NegotiationResult, error) {
	s.lastAction = ActionRefundReason
	s.lastReason = reason
	return s.result, s.err
}

func (s *stubNegotiator) AcceptPartial(context.Context, service.NegotiationKey) (*service.NegotiationResult, error) {
	s.lastAction = ActionRefundAcceptPartial
	return s.result, s.err
}

func (s *stubNegotiator) Decline(context.Context, service.NegotiationKey) (*service.NegotiationResult, error) {
	s.lastAction = ActionRefundDecline
	return s.result, s.err
}

func (s *stubNegotiator) ExecuteRefund(_ context.Context, _ service.NegotiationKey, amount *decimal.Decimal) (*service.NegotiationResult, error) {
	s.lastAmount = amount
	return s.result, s.err
}

type stubEscalator struct {
	result *service.EscalationResult
	err    error
}

func (s *stubEscalator) Escalate(context.Context, service.EscalateRequest) (*service.EscalationResult, error) {
	return s.result, s.err
}

type testServer struct {
	engine      *gin.Engine
	router      *stubRouter
	payments    *stubPayments
	negotiation *stubNegotiator
	escalation  *stubEscalator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		router:      &stubRouter{routed: make(chan service.InboundMessage, 4)},
		payments:    &stubPayments{},
		negotiation: &stubNegotiator{result: &service.NegotiationResult{Stage: "reason_asked", Status: "pending"}},
		escalation:  &stubEscalator{result: &service.EscalationResult{TicketID: "T1", Created: true}},
	}
	h := NewHandler(ts.router, ts.payments, ts.negotiation, ts.escalation, config.PaymentConfig{
		WebhookSecret: testSecret,
		SignatureSkew: 5 * time.Minute,
	}, zap.NewNop())
	ts.engine = SetupRouter(h, zap.NewNop())
	return ts
}

func (ts *testServer) post(path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ============================================================
// 聊天回调
// ============================================================

func TestChatWebhook_AlwaysAcknowledges(t *testing.T) {
	ts := newTestServer(t)

	for _, body := range []string{
		`not json`,
		`{"category":"group_channel:join"}`,
		`{"category":"group_channel:message_send","payload":{"message":"hi"}}`,
	} {
		w := ts.post("/webhook/chat", []byte(body), nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"received":true}`, w.Body.String())
	}

	select {
	case msg := <-ts.router.routed:
		t.Fatalf("unexpected routed message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChatWebhook_RoutesMessage(t *testing.T) {
	ts := newTestServer(t)
	body := `{
		"category": "group_channel:message_send",
		"payload": {"message_id": 12345, "message": "I want a refund"},
		"channel": {"channel_url": "channel_u1"},
		"sender": {"user_id": "u1"}
	}`

	w := ts.post("/webhook/chat", []byte(body), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	select {
	case msg := <-ts.router.routed:
		assert.Equal(t, service.InboundMessage{
			MessageID:  "12345",
			ChannelURL: "channel_u1",
			SenderID:   "u1",
			Text:       "I want a refund",
		}, msg)
	case <-time.After(time.Second):
		t.Fatal("message was not routed")
	}
}

func TestParseChatEvent(t *testing.T) {
	tests := []struct {
		name string
		body string
		want InboundEvent
	}{
		{
			name: "字符串消息 ID",
			body: `{"category":"group_channel:message_send","payload":{"message_id":"m_1","message":"hi"},"channel":{"channel_url":"c1"},"sender":{"user_id":"u1"}}`,
			want: MessageEvent{Message: service.InboundMessage{MessageID: "m_1", ChannelURL: "c1", SenderID: "u1", Text: "hi"}},
		},
		{
			name: "event_category 字段",
			body: `{"event_category":"group_channel:message_send","payload":{"message_id":7,"message":"hi"},"channel":{"channel_url":"c1"},"sender":{"user_id":"u1"}}`,
			want: MessageEvent{Message: service.InboundMessage{MessageID: "7", ChannelURL: "c1", SenderID: "u1", Text: "hi"}},
		},
		{
			name: "其他事件类型",
			body: `{"category":"group_channel:leave"}`,
			want: IgnoredEvent{Category: "group_channel:leave", Reason: "unsupported_category"},
		},
		{
			name: "缺少发送者",
			body: `{"category":"group_channel:message_send","payload":{"message_id":7},"channel":{"channel_url":"c1"}}`,
			want: IgnoredEvent{Category: CategoryMessageSend, Reason: "missing_fields"},
		},
		{
			name: "消息 ID 为 null",
			body: `{"category":"group_channel:message_send","payload":{"message_id":null},"channel":{"channel_url":"c1"},"sender":{"user_id":"u1"}}`,
			want: IgnoredEvent{Category: CategoryMessageSend, Reason: "missing_fields"},
		},
		{
			name: "非法 JSON",
			body: `{`,
			want: IgnoredEvent{Reason: "invalid_json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseChatEvent([]byte(tt.body)))
		})
	}
}

// ============================================================
// 支付回调
// ============================================================

func signedHeader(body []byte, ts time.Time) map[string]string {
	return map[string]string{
		SignatureHeader: fmt.Sprintf("t=%d,v1=%s", ts.Unix(), SignPayload(testSecret, ts.Unix(), body)),
	}
}

func TestPaymentWebhook_Signature(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"checkout.completed","data":{"transaction_id":"TXN1","user_id":"u1","payment_ref":"ch_1"}}`)

	tests := []struct {
		name   string
		header map[string]string
		code   int
	}{
		{name: "缺少签名", header: nil, code: http.StatusUnauthorized},
		{name: "格式错误", header: map[string]string{SignatureHeader: "garbage"}, code: http.StatusUnauthorized},
		{name: "签名不匹配", header: map[string]string{SignatureHeader: fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix())}, code: http.StatusUnauthorized},
		{name: "时间戳过期", header: signedHeader(body, time.Now().Add(-time.Hour)), code: http.StatusUnauthorized},
		{name: "签名正确", header: signedHeader(body, time.Now()), code: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			w := ts.post("/webhook/payment", body, tt.header)
			assert.Equal(t, tt.code, w.Code)

			if tt.code == http.StatusOK {
				require.Len(t, ts.payments.events, 1)
				assert.Equal(t, "evt_1", ts.payments.events[0].ID)
				assert.Equal(t, "ch_1", ts.payments.events[0].Data.PaymentRef)
			} else {
				assert.Empty(t, ts.payments.events)
				assert.EqualValues(t, 1005, decodeBody(t, w)["code"])
			}
		})
	}
}

func TestPaymentWebhook_TamperedBody(t *testing.T) {
	ts := newTestServer(t)
	signed := []byte(`{"id":"evt_1","type":"checkout.completed"}`)
	tampered := []byte(`{"id":"evt_2","type":"checkout.completed"}`)

	w := ts.post("/webhook/payment", tampered, signedHeader(signed, time.Now()))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, ts.payments.events)
}

func TestPaymentWebhook_HandlerError(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.err = errors.New("db down")
	body := []byte(`{"id":"evt_1","type":"checkout.completed"}`)

	w := ts.post("/webhook/payment", body, signedHeader(body, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{}`)
	now := time.Unix(1_700_000_000, 0)
	sig := SignPayload(testSecret, now.Unix(), body)

	assert.NoError(t, VerifySignature(testSecret, fmt.Sprintf("t=%d,v1=%s", now.Unix(), sig), body, now, time.Minute))
	// 轮换密钥期间可能带多个 v1
	assert.NoError(t, VerifySignature(testSecret, fmt.Sprintf("t=%d, v1=old, v1=%s", now.Unix(), sig), body, now, time.Minute))

	assert.ErrorIs(t, VerifySignature("", "t=1,v1=x", body, now, time.Minute), ErrSignatureMissing)
	assert.ErrorIs(t, VerifySignature(testSecret, "v1="+sig, body, now, time.Minute), ErrSignatureMalformed)
	assert.ErrorIs(t, VerifySignature(testSecret, fmt.Sprintf("t=%d,v1=%s", now.Unix(), sig), body, now.Add(2*time.Minute), time.Minute), ErrSignatureExpired)
	assert.ErrorIs(t, VerifySignature("other", fmt.Sprintf("t=%d,v1=%s", now.Unix(), sig), body, now, time.Minute), ErrSignatureMismatch)
}

// ============================================================
// 退款与升级接口
// ============================================================

func refundActionBody(action, reason string) []byte {
	body, _ := json.Marshal(map[string]string{
		"channelUrl": "channel_u1",
		"userId":     "u1",
		"txnId":      "TXN100001",
		"action":     action,
		"reason":     reason,
	})
	return body
}

func TestRefundAction_Validation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.post("/api/v1/refund/action", []byte(`{"action":"refund_start"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.post("/api/v1/refund/action", refundActionBody("refund_everything", ""), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.post("/api/v1/refund/action", refundActionBody(ActionRefundReason, ""), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, ts.negotiation.lastAction)
}

func TestRefundAction_Dispatch(t *testing.T) {
	ts := newTestServer(t)

	for _, action := range []string{ActionRefundStart, ActionRefundAcceptPartial, ActionRefundDecline} {
		w := ts.post("/api/v1/refund/action", refundActionBody(action, ""), nil)
		assert.Equal(t, http.StatusOK, w.Code, action)
		assert.Equal(t, action, ts.negotiation.lastAction)
	}

	ts.negotiation.result = &service.NegotiationResult{
		Decision: &service.PolicyDecision{Decision: service.DecisionApproved, Amount: decimal.NewFromInt(50)},
	}
	w := ts.post("/api/v1/refund/action", refundActionBody(ActionRefundReason, "duplicate"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", ts.negotiation.lastReason)

	data := decodeBody(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["success"])
	assert.Equal(t, service.DecisionApproved, data["decision"].(map[string]interface{})["decision"])
}

func TestRefundAction_ErrorMapping(t *testing.T) {
	tests := []struct {
		err     error
		code    int
		success interface{}
	}{
		{err: repository.ErrTransactionNotFound, code: http.StatusNotFound},
		{err: service.ErrInvalidRefundReason, code: http.StatusBadRequest},
		{err: service.ErrNegotiationBusy, code: http.StatusConflict},
		{err: service.ErrNotRefundable, code: http.StatusOK, success: false},
		{err: service.ErrNoPendingOffer, code: http.StatusOK, success: false},
		{err: service.ErrRefundStageChanged, code: http.StatusOK, success: false},
		{err: fmt.Errorf("保存决策失败: %w", errors.New("db down")), code: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ts := newTestServer(t)
			ts.negotiation.err = tt.err

			w := ts.post("/api/v1/refund/action", refundActionBody(ActionRefundStart, ""), nil)
			assert.Equal(t, tt.code, w.Code)
			if tt.success != nil {
				data := decodeBody(t, w)["data"].(map[string]interface{})
				assert.Equal(t, tt.success, data["success"])
			}
		})
	}
}

func TestExecuteRefund(t *testing.T) {
	ts := newTestServer(t)

	w := ts.post("/api/v1/refund/execute", []byte(`{"txnId":"TXN100001","channelUrl":"c1","userId":"u1","amount":"12.50"}`), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, ts.negotiation.lastAmount)
	assert.Equal(t, "12.50", ts.negotiation.lastAmount.StringFixed(2))

	w = ts.post("/api/v1/refund/execute", []byte(`{"txnId":"TXN100001","channelUrl":"c1","userId":"u1"}`), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, ts.negotiation.lastAmount)

	ts.negotiation.err = service.ErrRefundNotAuthorized
	w = ts.post("/api/v1/refund/execute", []byte(`{"txnId":"TXN100001","channelUrl":"c1","userId":"u1"}`), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.EqualValues(t, 1002, decodeBody(t, w)["code"])
}

func TestEscalate(t *testing.T) {
	ts := newTestServer(t)

	w := ts.post("/api/v1/escalate", []byte(`{"channelUrl":"c1","userId":"u1"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "T1", data["result"].(map[string]interface{})["ticket_id"])

	ts.escalation.err = fmt.Errorf("%w: desk down", service.ErrEscalationFailed)
	w = ts.post("/api/v1/escalate", []byte(`{"channelUrl":"c1","userId":"u1"}`), nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
