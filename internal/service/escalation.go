package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"paysupport/internal/config"
	"paysupport/internal/infrastructure/lock"
	"paysupport/internal/model"
	"paysupport/internal/platform"
	"paysupport/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ============================================================================
// 人工升级 / 工单生命周期
// ============================================================================
//
// 升级流程：
//   1. 按会话加 Redis 锁，加锁后再查一次映射（双重检查）
//   2. 已有映射：到工单平台确认工单仍在处理中，是则直接复用；
//      工单停在 INITIALIZED、已关闭、查不到或者查询失败，都当作失效，删映射重新升级
//   3. 解析客户 -> 建工单 -> 写映射（只有这一步失败会中断）-> 拉主管进群 -> 发激活消息
//   4. 布置"坐席未响应"定时器
//
// 【内存状态只是缓存】
//   escalated / ticketChannels 在进程启动时从 channel_mappings 重建，
//   每次查映射都回源数据库并校正缓存，数据库才是唯一可信来源
//
// ============================================================================

var (
	ErrEscalationFailed = errors.New("创建人工工单失败")
	ErrEscalationBusy   = errors.New("会话正在升级中")
)

const (
	activationMessage = "客服工单已创建，请坐席接入处理"
	queueNotice       = "当前咨询人数较多，您已进入排队，客服将尽快回复您"
	handoffNotice     = "已为您转接人工客服，请稍候"
)

type EscalateRequest struct {
	ChannelURL string
	UserID     string
	Priority   string
	Reason     string
	Context    map[string]interface{}
}

type EscalationResult struct {
	TicketID         string `json:"ticket_id"`
	TicketChannelURL string `json:"ticket_channel_url"`
	Created          bool   `json:"created"`
}

type agentAwayTimer struct {
	timer *time.Timer
	gen   uint64
}

type EscalationService struct {
	mappings      *repository.ChannelMappingRepository
	conversations *repository.ConversationRepository
	desk          platform.DeskClient
	chat          platform.ChatClient
	rdb           *redis.Client
	events        *EventPublisher
	cfg           config.EscalationConfig
	botUserID     string
	log           *zap.Logger

	mu             sync.Mutex
	escalated      map[string]*model.ChannelMapping // 客户会话 -> 映射
	ticketChannels map[string]*model.ChannelMapping // 工单会话 -> 映射
	timers         map[string]*agentAwayTimer       // 工单会话 -> 定时器
	timerGen       uint64
}

func NewEscalationService(
	mappings *repository.ChannelMappingRepository,
	conversations *repository.ConversationRepository,
	desk platform.DeskClient,
	chat platform.ChatClient,
	rdb *redis.Client,
	events *EventPublisher,
	cfg config.EscalationConfig,
	botUserID string,
	log *zap.Logger,
) *EscalationService {
	return &EscalationService{
		mappings:       mappings,
		conversations:  conversations,
		desk:           desk,
		chat:           chat,
		rdb:            rdb,
		events:         events,
		cfg:            cfg,
		botUserID:      botUserID,
		log:            log,
		escalated:      make(map[string]*model.ChannelMapping),
		ticketChannels: make(map[string]*model.ChannelMapping),
		timers:         make(map[string]*agentAwayTimer),
	}
}

// Restore 进程启动时从映射表重建内存状态
func (s *EscalationService) Restore(ctx context.Context) (int, error) {
	list, err := s.mappings.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("加载会话映射失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range list {
		s.escalated[m.CustomerChannelURL] = m
		s.ticketChannels[m.TicketChannelURL] = m
	}
	return len(list), nil
}

func (s *EscalationService) Escalate(ctx context.Context, req EscalateRequest) (*EscalationResult, error) {
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}

	escalationLock := lock.NewEscalationLock(s.rdb, req.ChannelURL)
	err := escalationLock.Lock(ctx, 100*time.Millisecond, 50)
	switch {
	case err == nil:
		defer escalationLock.Unlock(context.WithoutCancel(ctx))
	case errors.Is(err, lock.ErrLockFailed):
		return nil, ErrEscalationBusy
	default:
		s.log.Warn("升级锁不可用，继续执行", zap.String("channel_url", req.ChannelURL), zap.Error(err))
	}

	existing, err := s.mappings.GetByCustomerChannel(ctx, req.UserID, req.ChannelURL)
	if err != nil {
		return nil, fmt.Errorf("查询会话映射失败: %w", err)
	}

	if existing != nil {
		if s.ticketStillLive(ctx, existing) {
			return &EscalationResult{
				TicketID:         existing.TicketID,
				TicketChannelURL: existing.TicketChannelURL,
				Created:          false,
			}, nil
		}

		s.log.Info("工单已失效，重新升级",
			zap.String("channel_url", req.ChannelURL),
			zap.String("ticket_id", existing.TicketID))
		if err := s.mappings.Delete(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("删除失效映射失败: %w", err)
		}
		s.forget(existing)
	}

	return s.openTicket(ctx, req)
}

// ticketStillLive 查询失败按失效处理，宁可重复升级也不让用户没人理
func (s *EscalationService) ticketStillLive(ctx context.Context, m *model.ChannelMapping) bool {
	ticket, err := s.desk.GetTicket(ctx, m.TicketID)
	if err != nil {
		s.log.Warn("查询工单状态失败，按失效处理", zap.String("ticket_id", m.TicketID), zap.Error(err))
		return false
	}
	return platform.TicketLive(ticket.Status)
}

func (s *EscalationService) openTicket(ctx context.Context, req EscalateRequest) (*EscalationResult, error) {
	customerID, err := s.desk.GetOrCreateCustomer(ctx, req.UserID)
	if err != nil {
		s.log.Warn("解析工单客户失败", zap.String("user_id", req.UserID), zap.Error(err))
		customerID = req.UserID
	}

	fields := map[string]interface{}{
		"customer_channel_url": req.ChannelURL,
		"reason":               req.Reason,
	}
	for k, v := range req.Context {
		fields[k] = v
	}

	ticket, err := s.desk.CreateTicket(ctx, platform.CreateTicketRequest{
		CustomerID:   customerID,
		Title:        fmt.Sprintf("[%s] %s", req.Priority, req.Reason),
		Priority:     req.Priority,
		CustomFields: fields,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEscalationFailed, err)
	}

	mapping := &model.ChannelMapping{
		CustomerChannelURL: req.ChannelURL,
		TicketChannelURL:   ticket.ChannelURL,
		TicketID:           ticket.ID,
		CustomerID:         customerID,
		UserID:             req.UserID,
	}
	if err := s.mappings.Create(ctx, mapping); err != nil {
		return nil, fmt.Errorf("%w: 写入会话映射失败: %v", ErrEscalationFailed, err)
	}
	s.remember(mapping)

	if len(s.cfg.SupervisorIDs) > 0 {
		if err := s.chat.InviteUsers(ctx, ticket.ChannelURL, s.cfg.SupervisorIDs); err != nil {
			s.log.Warn("邀请主管进入工单会话失败", zap.String("ticket_id", ticket.ID), zap.Error(err))
		}
	}
	if err := s.chat.SendMessage(ctx, ticket.ChannelURL, activationMessage); err != nil {
		s.log.Warn("发送工单激活消息失败", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
	if err := s.chat.SendMessage(ctx, req.ChannelURL, handoffNotice); err != nil {
		s.log.Warn("发送转人工提示失败", zap.String("channel_url", req.ChannelURL), zap.Error(err))
	}
	if err := s.conversations.UpdateEscalationStatus(ctx, req.ChannelURL, model.EscalationStatusEscalated); err != nil {
		s.log.Warn("更新会话升级状态失败", zap.String("channel_url", req.ChannelURL), zap.Error(err))
	}

	_ = s.events.Publish(ctx, req.ChannelURL, EventTicketCreated, map[string]interface{}{
		"ticket_id": ticket.ID,
		"user_id":   req.UserID,
		"priority":  req.Priority,
		"reason":    req.Reason,
	})

	s.armAgentAwayTimer(mapping)

	s.log.Info("人工工单已创建",
		zap.String("channel_url", req.ChannelURL),
		zap.String("ticket_id", ticket.ID),
		zap.String("priority", req.Priority),
		zap.String("reason", req.Reason))

	return &EscalationResult{
		TicketID:         ticket.ID,
		TicketChannelURL: ticket.ChannelURL,
		Created:          true,
	}, nil
}

// TicketMapping 按工单会话查映射，不是工单会话返回 nil
// 以数据库为准，别的进程可能已经重新升级并删掉了旧映射；数据库不可用时才退回缓存
func (s *EscalationService) TicketMapping(ctx context.Context, channelURL string) (*model.ChannelMapping, error) {
	m, err := s.mappings.GetByTicketChannel(ctx, channelURL)
	if err != nil {
		s.mu.Lock()
		cached, ok := s.ticketChannels[channelURL]
		s.mu.Unlock()
		if ok {
			s.log.Warn("查询会话映射失败，使用缓存", zap.String("ticket_channel_url", channelURL), zap.Error(err))
			return cached, nil
		}
		return nil, err
	}

	s.mu.Lock()
	cached := s.ticketChannels[channelURL]
	s.mu.Unlock()
	s.syncCache(cached, m)
	return m, nil
}

// CustomerMapping 按客户会话查映射，未升级返回 nil
func (s *EscalationService) CustomerMapping(ctx context.Context, userID, channelURL string) (*model.ChannelMapping, error) {
	m, err := s.mappings.GetByCustomerChannel(ctx, userID, channelURL)
	if err != nil {
		s.mu.Lock()
		cached, ok := s.escalated[channelURL]
		s.mu.Unlock()
		if ok && cached.UserID == userID {
			s.log.Warn("查询会话映射失败，使用缓存", zap.String("channel_url", channelURL), zap.Error(err))
			return cached, nil
		}
		return nil, err
	}

	s.mu.Lock()
	cached := s.escalated[channelURL]
	s.mu.Unlock()
	if cached != nil && cached.UserID != userID {
		cached = nil
	}
	s.syncCache(cached, m)
	return m, nil
}

// syncCache 用数据库里的映射校正缓存，旧映射被别的进程删掉或替换时一并清掉它的定时器
func (s *EscalationService) syncCache(cached, current *model.ChannelMapping) {
	if cached != nil && (current == nil || cached.ID != current.ID) {
		s.forget(cached)
	}
	if current != nil {
		s.remember(current)
	}
}

// ForwardAgentReply 坐席回复转发给客户，并取消坐席未响应定时器
func (s *EscalationService) ForwardAgentReply(ctx context.Context, m *model.ChannelMapping, text string) error {
	s.CancelAgentAwayTimer(m.TicketChannelURL)
	return s.chat.SendMessage(ctx, m.CustomerChannelURL, text)
}

// ForwardCustomerMessage 客户消息原样转发到工单会话，并重新布置定时器
func (s *EscalationService) ForwardCustomerMessage(ctx context.Context, m *model.ChannelMapping, text string) error {
	if err := s.chat.SendMessage(ctx, m.TicketChannelURL, text); err != nil {
		return err
	}
	s.armAgentAwayTimer(m)
	return nil
}

func (s *EscalationService) armAgentAwayTimer(m *model.ChannelMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[m.TicketChannelURL]; ok {
		old.timer.Stop()
	}

	s.timerGen++
	gen := s.timerGen
	armedAt := time.Now()
	s.timers[m.TicketChannelURL] = &agentAwayTimer{
		gen: gen,
		timer: time.AfterFunc(s.cfg.AgentAwayDelay, func() {
			s.onAgentAway(m, armedAt, gen)
		}),
	}
}

func (s *EscalationService) CancelAgentAwayTimer(ticketChannelURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[ticketChannelURL]; ok {
		t.timer.Stop()
		delete(s.timers, ticketChannelURL)
	}
}

func (s *EscalationService) onAgentAway(m *model.ChannelMapping, armedAt time.Time, gen uint64) {
	s.mu.Lock()
	current, ok := s.timers[m.TicketChannelURL]
	if !ok || current.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, m.TicketChannelURL)
	s.mu.Unlock()

	ctx := context.Background()
	messages, err := s.chat.ListMessages(ctx, m.TicketChannelURL, armedAt)
	if err != nil {
		s.log.Warn("查询工单会话历史失败", zap.String("ticket_channel_url", m.TicketChannelURL), zap.Error(err))
	}
	for _, msg := range messages {
		if msg.UserID != s.botUserID && msg.UserID != m.UserID {
			return
		}
	}

	if err := s.chat.SendMessage(ctx, m.CustomerChannelURL, queueNotice); err != nil {
		s.log.Warn("发送排队提示失败", zap.String("channel_url", m.CustomerChannelURL), zap.Error(err))
	}
}

// Stop 停止所有定时器，进程退出时调用
func (s *EscalationService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, key)
	}
}

func (s *EscalationService) remember(m *model.ChannelMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalated[m.CustomerChannelURL] = m
	s.ticketChannels[m.TicketChannelURL] = m
}

func (s *EscalationService) forget(m *model.ChannelMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.escalated[m.CustomerChannelURL]; ok && cur.ID == m.ID {
		delete(s.escalated, m.CustomerChannelURL)
	}
	if cur, ok := s.ticketChannels[m.TicketChannelURL]; ok && cur.ID == m.ID {
		delete(s.ticketChannels, m.TicketChannelURL)
	}
	if t, ok := s.timers[m.TicketChannelURL]; ok {
		t.timer.Stop()
		delete(s.timers, m.TicketChannelURL)
	}
}
