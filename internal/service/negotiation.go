package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"paysupport/internal/config"
	"paysupport/internal/infrastructure/lock"
	"paysupport/internal/model"
	"paysupport/internal/platform"
	"paysupport/internal/repository"
	"paysupport/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 退款协商状态机
// ============================================================================
//
//   reason_asked --提交原因--> policy_evaluated --执行/接受/拒绝--> completed
//        |
//        +-- 交易已退款或不可退：只回复，不写状态
//
// 【并发串行化】
//   Redis 协商锁只是第一道防线；真正的串行化点是条件更新
//   WHERE refund_stage = ? AND negotiation_attempts = ?
//   快照过期说明并发请求已经处理过，本次直接视为空操作
//
// 【至多一次退款】
//   transactions.status success -> refunded 的条件更新、协商记录完结、outbox 事件
//   与支付渠道调用放在同一个数据库事务里，渠道调用失败整体回滚
//
// 【重复提交】
//   negotiation_attempts >= 1 后再提交原因，一律转人工，不再走决策表
//
// ============================================================================

var (
	ErrNotRefundable       = errors.New("交易当前状态不可退款")
	ErrInvalidRefundReason = errors.New("退款原因不合法")
	ErrNegotiationBusy     = errors.New("退款协商处理中，请稍后重试")
	ErrNoPendingOffer      = errors.New("没有待确认的部分退款方案")
	ErrNegotiationClosed   = errors.New("退款协商已结束")
	ErrRefundNotAuthorized = errors.New("没有可执行的退款申请")
	ErrInvalidRefundAmount = errors.New("退款金额不合法")
	ErrRefundStageChanged  = errors.New("退款协商状态已变化")
)

const (
	ReasonRepeatAttempt         = "repeat_attempt"
	ReasonFraudRiskHigh         = "fraud_risk_high"
	ReasonFraudRiskMedium       = "fraud_risk_medium"
	ReasonFraudCheckUnavailable = "fraud_check_unavailable"
	ReasonAutoApprovalDisabled  = "auto_approval_disabled"
)

type NegotiationKey struct {
	UserID        string `json:"userId" binding:"required"`
	TransactionID string `json:"txnId" binding:"required"`
	ChannelURL    string `json:"channelUrl" binding:"required"`
}

type NegotiationResult struct {
	Stage          string          `json:"stage"`
	Status         string          `json:"status"`
	Decision       *PolicyDecision `json:"decision,omitempty"`
	Message        string          `json:"message"`
	RefundNo       string          `json:"refund_no,omitempty"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	CouponCode     string          `json:"coupon_code,omitempty"`
	TicketID       string          `json:"ticket_id,omitempty"`
}

type NegotiationService struct {
	db           *gorm.DB
	rdb          *redis.Client
	cfg          config.RefundConfig
	transactions *repository.TransactionRepository
	refunds      *repository.RefundRequestRepository
	coupons      *repository.CouponRepository
	policy       *PolicyEngine
	fraud        *FraudScorer
	gate         *FeatureGate
	escalation   *EscalationService
	payment      platform.PaymentClient
	chat         platform.ChatClient
	events       *EventPublisher
	log          *zap.Logger
	now          func() time.Time
}

func NewNegotiationService(
	db *gorm.DB,
	rdb *redis.Client,
	cfg config.RefundConfig,
	policy *PolicyEngine,
	fraud *FraudScorer,
	gate *FeatureGate,
	escalation *EscalationService,
	payment platform.PaymentClient,
	chat platform.ChatClient,
	events *EventPublisher,
	log *zap.Logger,
) *NegotiationService {
	return &NegotiationService{
		db:           db,
		rdb:          rdb,
		cfg:          cfg,
		transactions: repository.NewTransactionRepository(db),
		refunds:      repository.NewRefundRequestRepository(db),
		coupons:      repository.NewCouponRepository(db),
		policy:       policy,
		fraud:        fraud,
		gate:         gate,
		escalation:   escalation,
		payment:      payment,
		chat:         chat,
		events:       events,
		log:          log,
		now:          time.Now,
	}
}

// Start 开始协商：校验交易归属和状态，upsert 协商记录并询问退款原因
func (s *NegotiationService) Start(ctx context.Context, key NegotiationKey) (*NegotiationResult, error) {
	txn, err := s.transactions.GetByIDForUser(ctx, key.TransactionID, key.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			s.reply(ctx, key.ChannelURL, fmt.Sprintf("没有找到交易 %s，请确认交易号是否正确", key.TransactionID))
		}
		return nil, err
	}

	if !txn.Refundable() {
		msg := notRefundableMessage(txn)
		s.reply(ctx, key.ChannelURL, msg)
		return &NegotiationResult{Message: msg}, ErrNotRefundable
	}

	req, err := s.refunds.Upsert(ctx, &model.RefundRequest{
		UserID:        key.UserID,
		TransactionID: key.TransactionID,
		ChannelURL:    key.ChannelURL,
		RefundStage:   model.RefundStageReasonAsked,
		Status:        model.RefundStatusPending,
		OfferAmount:   decimal.Zero,
	})
	if err != nil {
		return nil, fmt.Errorf("创建退款协商失败: %w", err)
	}

	msg := "请选择退款原因：" + strings.Join(model.RefundReasons, " / ")
	s.reply(ctx, key.ChannelURL, msg)

	_ = s.events.Publish(ctx, key.ChannelURL, EventRefundStarted, map[string]interface{}{
		"user_id":        key.UserID,
		"transaction_id": key.TransactionID,
		"attempts":       req.NegotiationAttempts,
	})

	return &NegotiationResult{Stage: req.RefundStage, Status: req.Status, Message: msg}, nil
}

// SubmitReason 提交退款原因，跑决策表并执行对应分支
func (s *NegotiationService) SubmitReason(ctx context.Context, key NegotiationKey, reason string, highPrioritySentiment bool) (*NegotiationResult, error) {
	if !model.IsValidRefundReason(reason) {
		return nil, ErrInvalidRefundReason
	}

	unlock, err := s.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := s.refunds.Get(ctx, key.UserID, key.TransactionID, key.ChannelURL)
	if err != nil {
		return nil, err
	}
	if req.Terminal() {
		return closedResult(req), nil
	}

	txn, err := s.transactions.GetByIDForUser(ctx, key.TransactionID, key.UserID)
	if err != nil {
		return nil, err
	}
	if !txn.Refundable() {
		msg := notRefundableMessage(txn)
		s.reply(ctx, key.ChannelURL, msg)
		return &NegotiationResult{Stage: req.RefundStage, Status: req.Status, Message: msg}, nil
	}

	abuseScore, err := s.refunds.CountApprovedSince(ctx, key.UserID, s.now().AddDate(0, 0, -30))
	if err != nil {
		return nil, fmt.Errorf("查询退款历史失败: %w", err)
	}

	var decision PolicyDecision
	if req.NegotiationAttempts >= 1 {
		decision = escalate(ReasonRepeatAttempt, model.PriorityNormal)
	} else {
		hasDuplicate := false
		if reason == model.RefundReasonDuplicate {
			hasDuplicate, err = s.verifyDuplicate(ctx, txn)
			if err != nil {
				s.log.Warn("核验重复扣款失败，按未核验处理", zap.String("transaction_id", txn.ID), zap.Error(err))
			}
		}

		decision = s.policy.Evaluate(PolicyContext{
			Amount:                txn.Amount,
			Reason:                reason,
			HighPrioritySentiment: highPrioritySentiment,
			Attempts:              req.NegotiationAttempts,
			HasDuplicate:          hasDuplicate,
			TransactionDate:       txn.CreatedAt,
			AbuseScore:            abuseScore,
			Now:                   s.now(),
		})
		decision = s.applyGates(ctx, txn, decision)
	}

	updates := map[string]interface{}{
		"refund_stage":         model.RefundStagePolicyEvaluated,
		"refund_reason":        reason,
		"final_decision":       decision.Decision,
		"decision_reason":      decision.Reason,
		"offer_amount":         decision.Amount,
		"negotiation_attempts": req.NegotiationAttempts + 1,
		"status":               decisionStatus(decision.Decision),
	}
	if err := s.refunds.Transition(ctx, nil, req, updates); err != nil {
		if errors.Is(err, repository.ErrRefundStageConflict) {
			s.log.Info("协商状态已被并发请求修改，忽略本次提交", zap.Int64("refund_request_id", req.ID))
			return nil, ErrRefundStageChanged
		}
		return nil, fmt.Errorf("保存决策失败: %w", err)
	}

	// 重新读取，后续条件更新以最新快照为准
	req, err = s.refunds.Get(ctx, key.UserID, key.TransactionID, key.ChannelURL)
	if err != nil {
		return nil, err
	}

	_ = s.events.Publish(ctx, key.ChannelURL, EventRefundDecided, map[string]interface{}{
		"user_id":         key.UserID,
		"transaction_id":  key.TransactionID,
		"reason":          reason,
		"decision":        decision.Decision,
		"decision_reason": decision.Reason,
		"amount":          decision.Amount.StringFixed(2),
		"abuse_score":     abuseScore,
	})

	result := &NegotiationResult{Decision: &decision}

	switch decision.Decision {
	case DecisionApproved:
		return s.executeApproved(ctx, req, txn, decision, result)

	case DecisionPartial:
		s.reply(ctx, key.ChannelURL, decision.Message)
		result.Stage = req.RefundStage
		result.Status = req.Status
		result.Message = decision.Message
		return result, nil

	case DecisionCoupon:
		return s.issueCoupon(ctx, req, decision, result)

	default:
		return s.escalateRequest(ctx, req, txn, decision, abuseScore, result)
	}
}

// AcceptPartial 用户接受部分退款方案
func (s *NegotiationService) AcceptPartial(ctx context.Context, key NegotiationKey) (*NegotiationResult, error) {
	unlock, err := s.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := s.refunds.Get(ctx, key.UserID, key.TransactionID, key.ChannelURL)
	if err != nil {
		return nil, err
	}
	if req.RefundStage != model.RefundStagePolicyEvaluated ||
		req.FinalDecision != DecisionPartial ||
		req.Status != model.RefundStatusPending {
		return nil, ErrNoPendingOffer
	}

	txn, err := s.transactions.GetByIDForUser(ctx, key.TransactionID, key.UserID)
	if err != nil {
		return nil, err
	}
	if !txn.Refundable() {
		return nil, ErrNotRefundable
	}

	amount := txn.Amount.Mul(partialRatio).Round(2)
	refundNo, err := s.executeRefund(ctx, req, txn, amount)
	if err != nil {
		return nil, err
	}

	msg := "部分退款已提交，" + amount.StringFixed(2) + " 将原路退回"
	s.reply(ctx, key.ChannelURL, msg)

	return &NegotiationResult{
		Stage:          model.RefundStageCompleted,
		Status:         model.RefundStatusRefunded,
		Decision:       &PolicyDecision{Decision: DecisionPartial, Reason: req.DecisionReason, Amount: amount, Priority: model.PriorityNormal},
		Message:        msg,
		RefundNo:       refundNo,
		RefundedAmount: amount,
	}, nil
}

// Decline 用户拒绝方案，协商结束，不动资金
func (s *NegotiationService) Decline(ctx context.Context, key NegotiationKey) (*NegotiationResult, error) {
	unlock, err := s.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := s.refunds.Get(ctx, key.UserID, key.TransactionID, key.ChannelURL)
	if err != nil {
		return nil, err
	}
	if req.Terminal() {
		return closedResult(req), nil
	}

	err = s.refunds.Transition(ctx, nil, req, map[string]interface{}{
		"refund_stage": model.RefundStageCompleted,
		"status":       model.RefundStatusRejected,
	})
	if err != nil {
		if errors.Is(err, repository.ErrRefundStageConflict) {
			return nil, ErrRefundStageChanged
		}
		return nil, fmt.Errorf("更新协商状态失败: %w", err)
	}

	_ = s.events.Publish(ctx, key.ChannelURL, EventRefundDeclined, map[string]interface{}{
		"user_id":        key.UserID,
		"transaction_id": key.TransactionID,
	})

	msg := "好的，已为您取消本次退款申请"
	s.reply(ctx, key.ChannelURL, msg)
	return &NegotiationResult{Stage: model.RefundStageCompleted, Status: model.RefundStatusRejected, Message: msg}, nil
}

// ExecuteRefund 直接执行退款（坐席审核通过后调用）
// 必须已有 pending / approved 且已经过决策的协商记录，amount 为空时按方案金额，方案没有金额时全额
func (s *NegotiationService) ExecuteRefund(ctx context.Context, key NegotiationKey, amount *decimal.Decimal) (*NegotiationResult, error) {
	txn, err := s.transactions.GetByIDForUser(ctx, key.TransactionID, key.UserID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := s.refunds.Get(ctx, key.UserID, key.TransactionID, key.ChannelURL)
	if err != nil {
		if errors.Is(err, repository.ErrRefundRequestNotFound) {
			return nil, ErrRefundNotAuthorized
		}
		return nil, err
	}
	if req.Status != model.RefundStatusPending && req.Status != model.RefundStatusApproved {
		return nil, ErrRefundNotAuthorized
	}
	// 还没提交原因的协商没经过决策表和风控，不能直接放款
	if req.RefundStage == model.RefundStageReasonAsked {
		return nil, ErrRefundNotAuthorized
	}

	refundAmount := txn.Amount
	switch {
	case amount != nil:
		refundAmount = *amount
	case req.OfferAmount.IsPositive():
		refundAmount = req.OfferAmount
	}
	refundAmount = refundAmount.Round(2)
	if !refundAmount.IsPositive() || refundAmount.GreaterThan(txn.Amount) {
		return nil, ErrInvalidRefundAmount
	}

	if !txn.Refundable() {
		return nil, ErrNotRefundable
	}

	refundNo, err := s.executeRefund(ctx, req, txn, refundAmount)
	if err != nil {
		return nil, err
	}

	msg := "退款已提交，" + refundAmount.StringFixed(2) + " 将原路退回"
	s.reply(ctx, key.ChannelURL, msg)

	return &NegotiationResult{
		Stage:          model.RefundStageCompleted,
		Status:         model.RefundStatusRefunded,
		Message:        msg,
		RefundNo:       refundNo,
		RefundedAmount: refundAmount,
	}, nil
}

// ResumeApproved 补偿任务调用：已批准但没执行完的退款重新执行
// 交易已经是 refunded 时只补齐协商记录
func (s *NegotiationService) ResumeApproved(ctx context.Context, req *model.RefundRequest) error {
	key := NegotiationKey{UserID: req.UserID, TransactionID: req.TransactionID, ChannelURL: req.ChannelURL}
	unlock, err := s.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	req, err = s.refunds.Get(ctx, key.UserID, key.TransactionID, key.ChannelURL)
	if err != nil {
		return err
	}
	if req.RefundStage != model.RefundStagePolicyEvaluated || req.Status != model.RefundStatusApproved {
		return nil
	}

	txn, err := s.transactions.GetByIDForUser(ctx, key.TransactionID, key.UserID)
	if err != nil {
		return err
	}

	switch txn.Status {
	case model.TransactionStatusRefunded:
		return s.refunds.Transition(ctx, nil, req, map[string]interface{}{
			"refund_stage": model.RefundStageCompleted,
			"status":       model.RefundStatusRefunded,
		})
	case model.TransactionStatusSuccess:
		_, err := s.executeRefund(ctx, req, txn, req.OfferAmount)
		return err
	default:
		return ErrNotRefundable
	}
}

func (s *NegotiationService) executeApproved(ctx context.Context, req *model.RefundRequest, txn *model.Transaction, decision PolicyDecision, result *NegotiationResult) (*NegotiationResult, error) {
	refundNo, err := s.executeRefund(ctx, req, txn, decision.Amount)
	if err != nil {
		// 决策已落库，补偿任务会重试执行
		s.log.Error("自动退款执行失败",
			zap.String("transaction_id", txn.ID),
			zap.String("amount", decision.Amount.StringFixed(2)),
			zap.Error(err))
		msg := "您的退款已批准，正在处理中，请稍后查看到账情况"
		s.reply(ctx, req.ChannelURL, msg)
		result.Stage = req.RefundStage
		result.Status = req.Status
		result.Message = msg
		return result, nil
	}

	s.reply(ctx, req.ChannelURL, decision.Message)
	result.Stage = model.RefundStageCompleted
	result.Status = model.RefundStatusRefunded
	result.Message = decision.Message
	result.RefundNo = refundNo
	result.RefundedAmount = decision.Amount
	return result, nil
}

func (s *NegotiationService) issueCoupon(ctx context.Context, req *model.RefundRequest, decision PolicyDecision, result *NegotiationResult) (*NegotiationResult, error) {
	code := idgen.GenerateCouponCode()
	expiresAt := s.now().AddDate(0, 0, s.cfg.CouponValidDays)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.coupons.Create(ctx, tx, &model.Coupon{
			Code:          code,
			UserID:        req.UserID,
			TransactionID: req.TransactionID,
			ChannelURL:    req.ChannelURL,
			ExpiresAt:     expiresAt,
		}); err != nil {
			return fmt.Errorf("发放补偿券失败: %w", err)
		}

		if err := s.refunds.Transition(ctx, tx, req, map[string]interface{}{
			"refund_stage": model.RefundStageCompleted,
			"coupon_code":  code,
		}); err != nil {
			return err
		}

		return s.events.Record(ctx, tx, req.ChannelURL, EventCouponIssued, map[string]interface{}{
			"user_id":        req.UserID,
			"transaction_id": req.TransactionID,
			"coupon_code":    code,
			"expires_at":     expiresAt.Format(time.RFC3339),
		})
	})
	if err != nil {
		if errors.Is(err, repository.ErrRefundStageConflict) {
			return nil, ErrRefundStageChanged
		}
		return nil, err
	}

	msg := fmt.Sprintf("%s：%s，有效期至 %s", decision.Message, code, expiresAt.Format("2006-01-02"))
	s.reply(ctx, req.ChannelURL, msg)
	_ = s.events.Notify(ctx, req.UserID, "补偿券已到账", msg)

	result.Stage = model.RefundStageCompleted
	result.Status = req.Status
	result.Message = msg
	result.CouponCode = code
	return result, nil
}

func (s *NegotiationService) escalateRequest(ctx context.Context, req *model.RefundRequest, txn *model.Transaction, decision PolicyDecision, abuseScore int64, result *NegotiationResult) (*NegotiationResult, error) {
	esc, err := s.escalation.Escalate(ctx, EscalateRequest{
		ChannelURL: req.ChannelURL,
		UserID:     req.UserID,
		Priority:   decision.Priority,
		Reason:     decision.Reason,
		Context: map[string]interface{}{
			"transaction_id":       txn.ID,
			"amount":               txn.Amount.StringFixed(2),
			"refund_reason":        req.RefundReason,
			"abuse_score":          abuseScore,
			"negotiation_attempts": req.NegotiationAttempts,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := s.refunds.Transition(ctx, nil, req, map[string]interface{}{
		"refund_stage": model.RefundStageCompleted,
		"ticket_id":    esc.TicketID,
	}); err != nil && !errors.Is(err, repository.ErrRefundStageConflict) {
		s.log.Warn("记录工单号失败", zap.Int64("refund_request_id", req.ID), zap.Error(err))
	}

	result.Stage = model.RefundStageCompleted
	result.Status = req.Status
	result.Message = decision.Message
	result.TicketID = esc.TicketID
	return result, nil
}

// refundNo 协商的退款单号，第一次调用支付渠道前落库
// 渠道已受理但响应丢失、或者事务提交失败时，补偿重试沿用同一个幂等键，渠道不会退第二次
func (s *NegotiationService) refundNo(ctx context.Context, req *model.RefundRequest) (string, error) {
	if req.RefundNo != "" {
		return req.RefundNo, nil
	}
	no, err := s.refunds.AssignRefundNo(ctx, req.ID, idgen.GenerateRefundNo())
	if err != nil {
		return "", fmt.Errorf("分配退款单号失败: %w", err)
	}
	req.RefundNo = no
	return no, nil
}

// executeRefund 在一个事务里抢占交易状态、完结协商、写 outbox，最后调用支付渠道
func (s *NegotiationService) executeRefund(ctx context.Context, req *model.RefundRequest, txn *model.Transaction, amount decimal.Decimal) (string, error) {
	refundNo, err := s.refundNo(ctx, req)
	if err != nil {
		return "", err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.transactions.MarkRefunded(ctx, tx, txn.ID, txn.UserID, amount); err != nil {
			if errors.Is(err, repository.ErrTransactionStatusInvalid) {
				return ErrNotRefundable
			}
			return fmt.Errorf("更新交易状态失败: %w", err)
		}

		if err := s.refunds.Transition(ctx, tx, req, map[string]interface{}{
			"refund_stage": model.RefundStageCompleted,
			"status":       model.RefundStatusRefunded,
			"offer_amount": amount,
		}); err != nil {
			if errors.Is(err, repository.ErrRefundStageConflict) {
				return ErrRefundStageChanged
			}
			return fmt.Errorf("更新协商状态失败: %w", err)
		}

		if err := s.events.Record(ctx, tx, req.ChannelURL, EventRefundExecuted, map[string]interface{}{
			"refund_no":      refundNo,
			"user_id":        txn.UserID,
			"transaction_id": txn.ID,
			"amount":         amount.StringFixed(2),
		}); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		if _, err := s.payment.Refund(ctx, platform.RefundRequest{
			TransactionID:  txn.ID,
			PaymentRef:     txn.PaymentRef,
			Amount:         amount,
			IdempotencyKey: refundNo,
		}); err != nil {
			return fmt.Errorf("支付渠道退款失败: %w", err)
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	s.log.Info("退款成功",
		zap.String("refund_no", refundNo),
		zap.String("transaction_id", txn.ID),
		zap.String("user_id", txn.UserID),
		zap.String("amount", amount.StringFixed(2)))

	_ = s.events.Notify(ctx, txn.UserID, "退款已提交", "退款 "+amount.StringFixed(2)+" 将原路退回")
	return refundNo, nil
}

// applyGates 资金类决策先过风控，再看自动审批开关
func (s *NegotiationService) applyGates(ctx context.Context, txn *model.Transaction, decision PolicyDecision) PolicyDecision {
	if decision.Decision != DecisionApproved && decision.Decision != DecisionPartial {
		return decision
	}

	if s.gate.Enabled(ctx, FeatureFraudScoring) {
		assessment, err := s.fraud.Evaluate(ctx, FraudInput{
			UserID:        txn.UserID,
			TransactionID: txn.ID,
			RefundAmount:  decision.Amount,
			AccountAge:    s.accountAge(ctx, txn.UserID),
		})
		switch {
		case err != nil:
			s.log.Warn("风控评估失败，转人工", zap.String("transaction_id", txn.ID), zap.Error(err))
			return escalate(ReasonFraudCheckUnavailable, model.PriorityNormal)
		case assessment.RiskLevel == model.RiskLevelHigh:
			return escalate(ReasonFraudRiskHigh, model.PriorityHigh)
		case assessment.RiskLevel == model.RiskLevelMedium && decision.Decision == DecisionApproved:
			offer := txn.Amount.Mul(partialRatio).Round(2)
			decision = PolicyDecision{
				Decision: DecisionPartial,
				Reason:   ReasonFraudRiskMedium,
				Amount:   offer,
				Message:  "我们可以先为您退还 50%，即 " + offer.StringFixed(2) + "，是否接受？",
				Priority: model.PriorityNormal,
			}
		}
	}

	if decision.Decision == DecisionApproved && !s.gate.Enabled(ctx, FeatureAutoApproval) {
		return escalate(ReasonAutoApprovalDisabled, model.PriorityNormal)
	}
	return decision
}

// verifyDuplicate 回看窗口内是否有另一笔同额交易
func (s *NegotiationService) verifyDuplicate(ctx context.Context, txn *model.Transaction) (bool, error) {
	list, err := s.transactions.ListByUserBetween(ctx, txn.UserID,
		txn.CreatedAt.Add(-s.cfg.DuplicateLookback), txn.CreatedAt.Add(s.cfg.DuplicateLookback))
	if err != nil {
		return false, err
	}
	for _, other := range list {
		if other.ID != txn.ID && other.Amount.Equal(txn.Amount) {
			return true, nil
		}
	}
	return false, nil
}

func (s *NegotiationService) accountAge(ctx context.Context, userID string) time.Duration {
	first, err := s.transactions.FirstTransactionAt(ctx, userID)
	if err != nil {
		s.log.Warn("查询账户时长失败", zap.String("user_id", userID), zap.Error(err))
		return 0
	}
	return s.now().Sub(first)
}

// acquire 拿协商锁；锁被占用返回 ErrNegotiationBusy，Redis 不可用时降级为只靠条件更新
func (s *NegotiationService) acquire(ctx context.Context, key NegotiationKey) (func(), error) {
	negotiationLock := lock.NewNegotiationLock(s.rdb, key.UserID, key.TransactionID, key.ChannelURL)
	err := negotiationLock.Lock(ctx, 100*time.Millisecond, 30)
	switch {
	case err == nil:
		return func() { _ = negotiationLock.Unlock(context.WithoutCancel(ctx)) }, nil
	case errors.Is(err, lock.ErrLockFailed):
		return nil, ErrNegotiationBusy
	default:
		s.log.Warn("协商锁不可用，继续执行", zap.String("transaction_id", key.TransactionID), zap.Error(err))
		return func() {}, nil
	}
}

func (s *NegotiationService) reply(ctx context.Context, channelURL, text string) {
	if err := s.chat.SendMessage(ctx, channelURL, text); err != nil {
		s.log.Warn("发送回复失败", zap.String("channel_url", channelURL), zap.Error(err))
	}
}

func decisionStatus(decision string) string {
	switch decision {
	case DecisionApproved, DecisionCoupon:
		return model.RefundStatusApproved
	default:
		return model.RefundStatusPending
	}
}

func closedResult(req *model.RefundRequest) *NegotiationResult {
	return &NegotiationResult{
		Stage:      req.RefundStage,
		Status:     req.Status,
		Message:    ErrNegotiationClosed.Error(),
		CouponCode: req.CouponCode,
		TicketID:   req.TicketID,
	}
}

func notRefundableMessage(txn *model.Transaction) string {
	if txn.Status == model.TransactionStatusRefunded {
		return fmt.Sprintf("交易 %s 已经退款，无需重复申请", txn.ID)
	}
	return fmt.Sprintf("交易 %s 当前状态为 %s，暂不支持退款", txn.ID, txn.Status)
}
