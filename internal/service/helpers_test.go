package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"paysupport/internal/config"
	"paysupport/internal/infrastructure/database"
	"paysupport/internal/model"
	"paysupport/internal/platform"
	"paysupport/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(database.Models...))
	return db
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// newTestConfig 配置文件不存在时 LoadConfig 返回全部默认值
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	cfg.Escalation.AgentAwayDelay = time.Hour
	return cfg
}

func seedTransaction(t *testing.T, db *gorm.DB, id, userID, amount, status string, createdAt time.Time) *model.Transaction {
	t.Helper()

	txn := &model.Transaction{
		ID:             id,
		UserID:         userID,
		Amount:         decimal.RequireFromString(amount),
		RefundedAmount: decimal.Zero,
		Status:         status,
		PaymentRef:     "ch_" + id,
		CreatedAt:      createdAt,
	}
	require.NoError(t, repository.NewTransactionRepository(db).Create(context.Background(), nil, txn))
	return txn
}

// ============================================================
// 外部平台替身
// ============================================================

type sentMessage struct {
	ChannelURL string
	Text       string
}

type fakeChat struct {
	mu      sync.Mutex
	sent    []sentMessage
	history map[string][]platform.ChatMessage
	invited map[string][]string
	sendErr error
	listErr error
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		history: make(map[string][]platform.ChatMessage),
		invited: make(map[string][]string),
	}
}

func (f *fakeChat) SendMessage(_ context.Context, channelURL, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{ChannelURL: channelURL, Text: text})
	return f.sendErr
}

func (f *fakeChat) ListMessages(_ context.Context, channelURL string, _ time.Time) ([]platform.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]platform.ChatMessage(nil), f.history[channelURL]...), nil
}

func (f *fakeChat) InviteUsers(_ context.Context, channelURL string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invited[channelURL] = append(f.invited[channelURL], userIDs...)
	return nil
}

func (f *fakeChat) addHistory(channelURL string, msg platform.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[channelURL] = append(f.history[channelURL], msg)
}

func (f *fakeChat) messagesTo(channelURL string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var texts []string
	for _, m := range f.sent {
		if m.ChannelURL == channelURL {
			texts = append(texts, m.Text)
		}
	}
	return texts
}

func (f *fakeChat) countTo(channelURL, text string) int {
	n := 0
	for _, m := range f.messagesTo(channelURL) {
		if m == text {
			n++
		}
	}
	return n
}

type fakeDesk struct {
	mu        sync.Mutex
	tickets   map[string]*platform.Ticket
	created   int
	createErr error
	getErr    error
}

func newFakeDesk() *fakeDesk {
	return &fakeDesk{tickets: make(map[string]*platform.Ticket)}
}

func (f *fakeDesk) GetOrCreateCustomer(_ context.Context, userID string) (string, error) {
	return "cust_" + userID, nil
}

// CreateTicket 模拟激活消息送达后的状态：PENDING
func (f *fakeDesk) CreateTicket(_ context.Context, _ platform.CreateTicketRequest) (*platform.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	ticket := &platform.Ticket{
		ID:         fmt.Sprintf("T%d", f.created),
		ChannelURL: fmt.Sprintf("ticket_channel_%d", f.created),
		Status:     platform.TicketStatusPending,
	}
	f.tickets[ticket.ID] = ticket
	copied := *ticket
	return &copied, nil
}

func (f *fakeDesk) GetTicket(_ context.Context, ticketID string) (*platform.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	ticket, ok := f.tickets[ticketID]
	if !ok {
		return nil, errors.New("ticket not found")
	}
	copied := *ticket
	return &copied, nil
}

func (f *fakeDesk) setStatus(ticketID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets[ticketID].Status = status
}

func (f *fakeDesk) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type fakePayment struct {
	mu        sync.Mutex
	refunds   []platform.RefundRequest
	refundErr error
	lostErr   error // 渠道已受理，但响应没回来
	link      string
	linkErr   error
}

func (f *fakePayment) Refund(_ context.Context, req platform.RefundRequest) (*platform.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	f.refunds = append(f.refunds, req)
	if f.lostErr != nil {
		return nil, f.lostErr
	}
	return &platform.RefundResult{RefundID: "re_" + req.IdempotencyKey, Status: "succeeded"}, nil
}

func (f *fakePayment) RetryLink(_ context.Context, _, transactionID string) (string, error) {
	if f.linkErr != nil {
		return "", f.linkErr
	}
	return f.link + transactionID, nil
}

func (f *fakePayment) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunds)
}

func (f *fakePayment) setLostResponse(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostErr = err
}

func (f *fakePayment) idempotencyKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.refunds))
	for _, r := range f.refunds {
		keys = append(keys, r.IdempotencyKey)
	}
	return keys
}

func (f *fakePayment) setRefundErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundErr = err
}

// ============================================================
// 组装完整的服务
// ============================================================

type testEnv struct {
	cfg         *config.Config
	db          *gorm.DB
	mr          *miniredis.Miniredis
	rdb         *redis.Client
	chat        *fakeChat
	desk        *fakeDesk
	payment     *fakePayment
	log         *zap.Logger
	gate        *FeatureGate
	events      *EventPublisher
	guard       *IdempotencyGuard
	limiter     *RateLimiter
	escalation  *EscalationService
	negotiation *NegotiationService
	router      *MessageRouter
}

func newTestEnv(t *testing.T, tweak func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := newTestConfig(t)
	cfg.Support.FAQ = map[string]string{"invoice": "电子发票可在订单详情页下载"}
	if tweak != nil {
		tweak(cfg)
	}

	db := newTestDB(t)
	mr, rdb := newTestRedis(t)
	log := zap.NewNop()

	env := &testEnv{
		cfg:     cfg,
		db:      db,
		mr:      mr,
		rdb:     rdb,
		chat:    newFakeChat(),
		desk:    newFakeDesk(),
		payment: &fakePayment{link: "https://pay.example.com/retry/"},
		log:     log,
	}

	transactions := repository.NewTransactionRepository(db)
	refunds := repository.NewRefundRequestRepository(db)
	conversations := repository.NewConversationRepository(db)

	env.gate = NewFeatureGate(repository.NewFeatureFlagRepository(db), cfg.Feature.Defaults, cfg.Feature.CacheTTL, log)
	env.events = NewEventPublisher(repository.NewOutboxRepository(db), cfg.Kafka.Topic, env.gate, log)
	env.guard = NewIdempotencyGuard(rdb, repository.NewProcessedEventRepository(db), cfg.Idempotent, log)
	env.limiter = NewRateLimiter(rdb, cfg.RateLimit, log)
	faq := NewFAQ(cfg.Support.FAQ)
	classifier := NewIntentClassifier(nil, env.limiter, env.gate, faq, log)
	fraud := NewFraudScorer(refunds, repository.NewFraudLogRepository(db), cfg.Fraud, log)

	env.escalation = NewEscalationService(repository.NewChannelMappingRepository(db), conversations,
		env.desk, env.chat, rdb, env.events, cfg.Escalation, cfg.Support.BotUserID, log)
	t.Cleanup(env.escalation.Stop)

	env.negotiation = NewNegotiationService(db, rdb, cfg.Refund, NewPolicyEngine(cfg.Refund), fraud, env.gate,
		env.escalation, env.payment, env.chat, env.events, log)

	router, err := NewMessageRouter(cfg.Support, env.guard, env.limiter, classifier, faq, env.escalation,
		env.negotiation, transactions, conversations, env.chat, env.payment, log)
	require.NoError(t, err)
	env.router = router

	return env
}

func (e *testEnv) refundRequest(t *testing.T, key NegotiationKey) *model.RefundRequest {
	t.Helper()
	req, err := repository.NewRefundRequestRepository(e.db).Get(context.Background(), key.UserID, key.TransactionID, key.ChannelURL)
	require.NoError(t, err)
	return req
}

func (e *testEnv) transaction(t *testing.T, id, userID string) *model.Transaction {
	t.Helper()
	txn, err := repository.NewTransactionRepository(e.db).GetByIDForUser(context.Background(), id, userID)
	require.NoError(t, err)
	return txn
}
