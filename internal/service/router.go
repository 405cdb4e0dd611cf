package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"paysupport/internal/config"
	"paysupport/internal/model"
	"paysupport/internal/platform"
	"paysupport/internal/repository"

	"go.uber.org/zap"
)

// ============================================================================
// 消息路由
// ============================================================================
//
// 每条入站消息先过幂等守卫，再按优先级逐条匹配，命中即停。
// 客户消息的分钟/天限流在第 2 步之后，坐席回复不受限：
//
//   1. 机器人自己发的消息                     -> 忽略
//   2. 工单会话里非客户本人发的消息            -> 作为坐席回复转发给客户，取消排队定时器
//   3. 会话已升级且消息里没有交易号            -> 原样转发到工单会话
//   4. 命中高优先级情绪词                      -> 立即升级人工
//   5. 没有交易号                             -> 意图识别：重新支付 / 退款 / 转人工 / FAQ / 兜底菜单
//   6. 有交易号                               -> 按交易状态：failed 建工单并给重付链接，success 提示可退款，其他只报状态
//
// 任何分支里的次要副作用（通知、埋点、回复发送）失败只记日志，不影响路由结果
//
// ============================================================================

// RouteOutcome 路由结果，便于日志和测试断言
type RouteOutcome string

const (
	OutcomeIgnored             RouteOutcome = "ignored"
	OutcomeDuplicate           RouteOutcome = "duplicate"
	OutcomeRateLimited         RouteOutcome = "rate_limited"
	OutcomeAgentReplyForwarded RouteOutcome = "agent_reply_forwarded"
	OutcomeCustomerForwarded   RouteOutcome = "customer_message_forwarded"
	OutcomeEscalated           RouteOutcome = "escalated"
	OutcomeEscalationFailed    RouteOutcome = "escalation_failed"
	OutcomeRetryPrompt         RouteOutcome = "retry_prompt"
	OutcomeRefundStarted       RouteOutcome = "refund_started"
	OutcomeRefundNeedsTxn      RouteOutcome = "refund_needs_transaction"
	OutcomeFAQAnswered         RouteOutcome = "faq_answered"
	OutcomeFallbackMenu        RouteOutcome = "fallback_menu"
	OutcomeTxnNotFound         RouteOutcome = "transaction_not_found"
	OutcomeTxnFailed           RouteOutcome = "transaction_failed"
	OutcomeRefundOffered       RouteOutcome = "refund_offered"
	OutcomeTxnStatus           RouteOutcome = "transaction_status"
	OutcomeError               RouteOutcome = "error"
)

const (
	fallbackMenu      = "您可以这样问我：\n1. 查询交易（发送交易号）\n2. 申请退款\n3. 重新支付\n4. 转人工客服"
	retryPrompt       = "请发送支付失败的交易号，我来为您生成重新支付链接"
	askTransaction    = "请发送需要退款的交易号"
	rateLimitedNotice = "您发送消息过于频繁，请稍后再试"
	escalationFailed  = "转接人工客服失败，请稍后再试"
)

// InboundMessage 聊天平台推送的一条用户消息
type InboundMessage struct {
	MessageID  string
	ChannelURL string
	SenderID   string
	Text       string
}

type MessageRouter struct {
	guard         *IdempotencyGuard
	limiter       *RateLimiter
	classifier    *IntentClassifier
	faq           *FAQ
	escalation    *EscalationService
	negotiation   *NegotiationService
	transactions  *repository.TransactionRepository
	conversations *repository.ConversationRepository
	chat          platform.ChatClient
	payment       platform.PaymentClient
	botUserID     string
	txnPattern    *regexp.Regexp
	log           *zap.Logger
}

func NewMessageRouter(
	cfg config.SupportConfig,
	guard *IdempotencyGuard,
	limiter *RateLimiter,
	classifier *IntentClassifier,
	faq *FAQ,
	escalation *EscalationService,
	negotiation *NegotiationService,
	transactions *repository.TransactionRepository,
	conversations *repository.ConversationRepository,
	chat platform.ChatClient,
	payment platform.PaymentClient,
	log *zap.Logger,
) (*MessageRouter, error) {
	pattern, err := regexp.Compile(cfg.TransactionPattern)
	if err != nil {
		return nil, fmt.Errorf("交易号正则不合法: %w", err)
	}

	return &MessageRouter{
		guard:         guard,
		limiter:       limiter,
		classifier:    classifier,
		faq:           faq,
		escalation:    escalation,
		negotiation:   negotiation,
		transactions:  transactions,
		conversations: conversations,
		chat:          chat,
		payment:       payment,
		botUserID:     cfg.BotUserID,
		txnPattern:    pattern,
		log:           log,
	}, nil
}

// ExtractTransactionID 从消息里提取交易号，没有返回空串
func (r *MessageRouter) ExtractTransactionID(text string) string {
	return r.txnPattern.FindString(strings.ToUpper(text))
}

func (r *MessageRouter) Route(ctx context.Context, msg InboundMessage) RouteOutcome {
	outcome := r.route(ctx, msg)
	r.log.Info("消息路由完成",
		zap.String("message_id", msg.MessageID),
		zap.String("channel_url", msg.ChannelURL),
		zap.String("sender_id", msg.SenderID),
		zap.String("outcome", string(outcome)))
	return outcome
}

func (r *MessageRouter) route(ctx context.Context, msg InboundMessage) RouteOutcome {
	if msg.SenderID == r.botUserID {
		return OutcomeIgnored
	}

	if r.guard.IsDuplicate(ctx, msg.MessageID, model.EventSourceChat) {
		return OutcomeDuplicate
	}

	ticketMapping, err := r.escalation.TicketMapping(ctx, msg.ChannelURL)
	if err != nil {
		r.log.Warn("查询工单会话映射失败", zap.String("channel_url", msg.ChannelURL), zap.Error(err))
	}
	if ticketMapping != nil {
		if msg.SenderID == ticketMapping.UserID {
			return OutcomeIgnored
		}
		if err := r.escalation.ForwardAgentReply(ctx, ticketMapping, msg.Text); err != nil {
			r.log.Warn("转发坐席回复失败", zap.String("ticket_id", ticketMapping.TicketID), zap.Error(err))
		}
		return OutcomeAgentReplyForwarded
	}

	// 限流只针对客户，坐席在工单会话里的回复不占额度
	if res, window := r.limiter.CheckMessage(ctx, msg.SenderID); !res.Allowed {
		r.log.Info("消息被限流", zap.String("sender_id", msg.SenderID), zap.String("window", window))
		r.reply(ctx, msg.ChannelURL, rateLimitedNotice)
		return OutcomeRateLimited
	}

	txnID := r.ExtractTransactionID(msg.Text)

	if txnID == "" {
		customerMapping, err := r.escalation.CustomerMapping(ctx, msg.SenderID, msg.ChannelURL)
		if err != nil {
			r.log.Warn("查询客户会话映射失败", zap.String("channel_url", msg.ChannelURL), zap.Error(err))
		}
		if customerMapping != nil {
			if err := r.escalation.ForwardCustomerMessage(ctx, customerMapping, msg.Text); err != nil {
				r.log.Warn("转发客户消息失败", zap.String("ticket_id", customerMapping.TicketID), zap.Error(err))
			}
			return OutcomeCustomerForwarded
		}
	}

	state := r.loadState(ctx, msg)

	if DetectHighPrioritySentiment(msg.Text) {
		state.LastIntent = IntentEscalate
		outcome := r.escalate(ctx, msg, state, model.PriorityHigh, ReasonHighPrioritySentiment, txnID)
		r.saveState(ctx, state)
		return outcome
	}

	var outcome RouteOutcome
	if txnID == "" {
		outcome = r.routeByIntent(ctx, msg, state)
	} else {
		outcome = r.routeByTransaction(ctx, msg, state, txnID)
	}
	r.saveState(ctx, state)
	return outcome
}

func (r *MessageRouter) routeByIntent(ctx context.Context, msg InboundMessage, state *model.ConversationState) RouteOutcome {
	intent := r.classifier.Classify(ctx, msg.Text)
	state.LastIntent = intent

	switch intent {
	case IntentRetryPayment:
		r.reply(ctx, msg.ChannelURL, retryPrompt)
		return OutcomeRetryPrompt

	case IntentRefund:
		txnID := state.ActiveTransactionID
		if txnID == "" {
			latest, err := r.transactions.LatestRefundable(ctx, msg.SenderID)
			if err != nil && !errors.Is(err, repository.ErrTransactionNotFound) {
				r.log.Warn("查询最近交易失败", zap.String("user_id", msg.SenderID), zap.Error(err))
			}
			if latest != nil {
				txnID = latest.ID
			}
		}
		if txnID == "" {
			r.reply(ctx, msg.ChannelURL, askTransaction)
			return OutcomeRefundNeedsTxn
		}
		return r.startRefund(ctx, msg, state, txnID)

	case IntentEscalate:
		return r.escalate(ctx, msg, state, model.PriorityNormal, "user_requested", state.ActiveTransactionID)

	case IntentFAQ:
		if answer := r.faq.Match(msg.Text); answer != "" {
			r.reply(ctx, msg.ChannelURL, answer)
			return OutcomeFAQAnswered
		}
	}

	r.reply(ctx, msg.ChannelURL, fallbackMenu)
	return OutcomeFallbackMenu
}

func (r *MessageRouter) routeByTransaction(ctx context.Context, msg InboundMessage, state *model.ConversationState, txnID string) RouteOutcome {
	txn, err := r.transactions.GetByIDForUser(ctx, txnID, msg.SenderID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			r.reply(ctx, msg.ChannelURL, fmt.Sprintf("没有找到交易 %s，请确认交易号是否正确", txnID))
			return OutcomeTxnNotFound
		}
		r.log.Error("查询交易失败", zap.String("transaction_id", txnID), zap.Error(err))
		return OutcomeError
	}

	state.ActiveTransactionID = txn.ID

	switch txn.Status {
	case model.TransactionStatusFailed:
		outcome := r.escalate(ctx, msg, state, model.PriorityNormal, "payment_failed", txn.ID)
		link, err := r.payment.RetryLink(ctx, msg.SenderID, txn.ID)
		if err != nil {
			r.log.Warn("生成重新支付链接失败", zap.String("transaction_id", txn.ID), zap.Error(err))
			r.reply(ctx, msg.ChannelURL, fmt.Sprintf("交易 %s 支付失败，客服会协助您重新支付", txn.ID))
		} else {
			r.reply(ctx, msg.ChannelURL, fmt.Sprintf("交易 %s 支付失败，您可以通过此链接重新支付：%s", txn.ID, link))
		}
		if outcome == OutcomeEscalationFailed {
			return outcome
		}
		return OutcomeTxnFailed

	case model.TransactionStatusSuccess:
		r.reply(ctx, msg.ChannelURL, fmt.Sprintf("交易 %s 已支付成功，金额 %s。如需退款请回复\"退款\"",
			txn.ID, txn.Amount.StringFixed(2)))
		return OutcomeRefundOffered

	default:
		r.reply(ctx, msg.ChannelURL, fmt.Sprintf("交易 %s 当前状态：%s", txn.ID, txn.Status))
		return OutcomeTxnStatus
	}
}

func (r *MessageRouter) startRefund(ctx context.Context, msg InboundMessage, state *model.ConversationState, txnID string) RouteOutcome {
	key := NegotiationKey{UserID: msg.SenderID, TransactionID: txnID, ChannelURL: msg.ChannelURL}
	result, err := r.negotiation.Start(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return OutcomeTxnNotFound
		}
		if errors.Is(err, ErrNotRefundable) {
			return OutcomeTxnStatus
		}
		r.log.Error("开始退款协商失败", zap.String("transaction_id", txnID), zap.Error(err))
		return OutcomeError
	}

	state.ActiveTransactionID = txnID
	state.RefundStage = result.Stage
	return OutcomeRefundStarted
}

func (r *MessageRouter) escalate(ctx context.Context, msg InboundMessage, state *model.ConversationState, priority, reason, txnID string) RouteOutcome {
	_, err := r.escalation.Escalate(ctx, EscalateRequest{
		ChannelURL: msg.ChannelURL,
		UserID:     msg.SenderID,
		Priority:   priority,
		Reason:     reason,
		Context: map[string]interface{}{
			"transaction_id": txnID,
			"last_message":   msg.Text,
		},
	})
	if err != nil {
		r.log.Error("升级人工失败", zap.String("channel_url", msg.ChannelURL), zap.Error(err))
		r.reply(ctx, msg.ChannelURL, escalationFailed)
		return OutcomeEscalationFailed
	}

	state.EscalationStatus = model.EscalationStatusEscalated
	state.Priority = priority
	return OutcomeEscalated
}

func (r *MessageRouter) loadState(ctx context.Context, msg InboundMessage) *model.ConversationState {
	state, err := r.conversations.Get(ctx, msg.ChannelURL, msg.SenderID)
	if err != nil {
		r.log.Warn("读取会话状态失败", zap.String("channel_url", msg.ChannelURL), zap.Error(err))
	}
	if state == nil {
		state = &model.ConversationState{
			ChannelURL:       msg.ChannelURL,
			UserID:           msg.SenderID,
			EscalationStatus: model.EscalationStatusNone,
			Priority:         model.PriorityNormal,
		}
	}
	return state
}

func (r *MessageRouter) saveState(ctx context.Context, state *model.ConversationState) {
	if err := r.conversations.Save(ctx, state); err != nil {
		r.log.Warn("保存会话状态失败", zap.String("channel_url", state.ChannelURL), zap.Error(err))
	}
}

func (r *MessageRouter) reply(ctx context.Context, channelURL, text string) {
	if err := r.chat.SendMessage(ctx, channelURL, text); err != nil {
		r.log.Warn("发送回复失败", zap.String("channel_url", channelURL), zap.Error(err))
	}
}
