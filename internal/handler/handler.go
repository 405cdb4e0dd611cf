package handler

import (
	"context"
	"errors"
	"time"

	"paysupport/internal/config"
	"paysupport/internal/repository"
	"paysupport/internal/service"
	"paysupport/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type MessageRouter interface {
	Route(ctx context.Context, msg service.InboundMessage) service.RouteOutcome
}

type PaymentEventHandler interface {
	Handle(ctx context.Context, evt service.PaymentEvent) error
}

type Negotiator interface {
	Start(ctx context.Context, key service.NegotiationKey) (*service.NegotiationResult, error)
	SubmitReason(ctx context.Context, key service.NegotiationKey, reason string, highPrioritySentiment bool) (*service.NegotiationResult, error)
	AcceptPartial(ctx context.Context, key service.NegotiationKey) (*service.NegotiationResult, error)
	Decline(ctx context.Context, key service.NegotiationKey) (*service.NegotiationResult, error)
	ExecuteRefund(ctx context.Context, key service.NegotiationKey, amount *decimal.Decimal) (*service.NegotiationResult, error)
}

type Escalator interface {
	Escalate(ctx context.Context, req service.EscalateRequest) (*service.EscalationResult, error)
}

// Handler 统一处理器，依赖全部以接口注入
type Handler struct {
	router      MessageRouter
	payments    PaymentEventHandler
	negotiation Negotiator
	escalation  Escalator
	paymentCfg  config.PaymentConfig
	log         *zap.Logger
	now         func() time.Time
}

func NewHandler(router MessageRouter, payments PaymentEventHandler, negotiation Negotiator, escalation Escalator, paymentCfg config.PaymentConfig, log *zap.Logger) *Handler {
	return &Handler{
		router:      router,
		payments:    payments,
		negotiation: negotiation,
		escalation:  escalation,
		paymentCfg:  paymentCfg,
		log:         log,
		now:         time.Now,
	}
}

// ============================================================
// 退款协商接口
// ============================================================

const (
	ActionRefundStart         = "refund_start"
	ActionRefundReason        = "refund_reason"
	ActionRefundAcceptPartial = "refund_accept_partial"
	ActionRefundDecline       = "refund_decline"
)

// RefundActionRequest 退款协商动作
type RefundActionRequest struct {
	ChannelURL string `json:"channelUrl" binding:"required"`
	UserID     string `json:"userId" binding:"required"`
	TxnID      string `json:"txnId" binding:"required"`
	Action     string `json:"action" binding:"required,oneof=refund_start refund_reason refund_accept_partial refund_decline"`
	Reason     string `json:"reason"`
}

// RefundAction 驱动协商状态机
// POST /api/v1/refund/action
func (h *Handler) RefundAction(c *gin.Context) {
	var req RefundActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	key := service.NegotiationKey{UserID: req.UserID, TransactionID: req.TxnID, ChannelURL: req.ChannelURL}
	ctx := c.Request.Context()

	var (
		result *service.NegotiationResult
		err    error
	)
	switch req.Action {
	case ActionRefundStart:
		result, err = h.negotiation.Start(ctx, key)
	case ActionRefundReason:
		if req.Reason == "" {
			response.ParamError(c, "参数错误: reason 不能为空")
			return
		}
		result, err = h.negotiation.SubmitReason(ctx, key, req.Reason, service.DetectHighPrioritySentiment(req.Reason))
	case ActionRefundAcceptPartial:
		result, err = h.negotiation.AcceptPartial(ctx, key)
	case ActionRefundDecline:
		result, err = h.negotiation.Decline(ctx, key)
	}

	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"success":  true,
		"decision": result.Decision,
		"result":   result,
	})
}

// ExecuteRefundRequest 直接执行退款
type ExecuteRefundRequest struct {
	TxnID      string           `json:"txnId" binding:"required"`
	ChannelURL string           `json:"channelUrl" binding:"required"`
	UserID     string           `json:"userId" binding:"required"`
	Amount     *decimal.Decimal `json:"amount"`
}

// ExecuteRefund 执行退款
// POST /api/v1/refund/execute
//
// 【关键点】必须已经存在 pending/approved 的协商记录，否则 403；
// 交易状态 success -> refunded 的条件更新保证同一笔交易最多退一次
func (h *Handler) ExecuteRefund(c *gin.Context) {
	var req ExecuteRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	key := service.NegotiationKey{UserID: req.UserID, TransactionID: req.TxnID, ChannelURL: req.ChannelURL}
	result, err := h.negotiation.ExecuteRefund(c.Request.Context(), key, req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"success": true,
		"result":  result,
	})
}

// ============================================================
// 人工升级接口
// ============================================================

type EscalateRequest struct {
	ChannelURL string `json:"channelUrl" binding:"required"`
	UserID     string `json:"userId" binding:"required"`
}

// Escalate 转人工，重复调用不会重复建单
// POST /api/v1/escalate
func (h *Handler) Escalate(c *gin.Context) {
	var req EscalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.escalation.Escalate(c.Request.Context(), service.EscalateRequest{
		ChannelURL: req.ChannelURL,
		UserID:     req.UserID,
		Reason:     "user_requested",
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"success": true,
		"result":  result,
	})
}

// writeError 业务错误到 HTTP 状态码的映射
// 状态已变化、不可退款这类"无事发生"的结果返回 200 + success=false
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrTransactionNotFound):
		response.NotFound(c, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, repository.ErrRefundRequestNotFound):
		response.NotFound(c, response.CodeNotFound, err.Error())
	case errors.Is(err, service.ErrRefundNotAuthorized):
		response.Forbidden(c, response.CodeRefundNotAuthorized, err.Error())
	case errors.Is(err, service.ErrInvalidRefundReason), errors.Is(err, service.ErrInvalidRefundAmount):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrNegotiationBusy), errors.Is(err, service.ErrEscalationBusy):
		response.Conflict(c, response.CodeNegotiationBusy, err.Error())
	case errors.Is(err, service.ErrEscalationFailed):
		h.log.Error("人工升级失败", zap.Error(err))
		response.UpstreamError(c, response.CodeEscalationFailed, service.ErrEscalationFailed.Error())
	case errors.Is(err, service.ErrNotRefundable),
		errors.Is(err, service.ErrNoPendingOffer),
		errors.Is(err, service.ErrRefundStageChanged):
		response.Success(c, gin.H{
			"success": false,
			"message": err.Error(),
		})
	default:
		h.log.Error("请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServerError(c, "服务器内部错误")
	}
}
