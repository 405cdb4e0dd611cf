package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"paysupport/internal/service"
	"paysupport/pkg/async"
	"paysupport/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const CategoryMessageSend = "group_channel:message_send"

// InboundEvent 聊天平台推送事件，只有 MessageEvent 和 IgnoredEvent 两种
type InboundEvent interface {
	inboundEvent()
}

type MessageEvent struct {
	Message service.InboundMessage
}

type IgnoredEvent struct {
	Category string
	Reason   string
}

func (MessageEvent) inboundEvent() {}
func (IgnoredEvent) inboundEvent() {}

type chatWebhookBody struct {
	Category      string `json:"category"`
	EventCategory string `json:"event_category"`
	Payload       struct {
		MessageID json.RawMessage `json:"message_id"`
		Message   string          `json:"message"`
	} `json:"payload"`
	Channel struct {
		ChannelURL string `json:"channel_url"`
	} `json:"channel"`
	Sender struct {
		UserID string `json:"user_id"`
	} `json:"sender"`
}

// ParseChatEvent 在入口处把动态 JSON 收敛成确定的事件类型，后续不再判断字段是否存在
func ParseChatEvent(body []byte) InboundEvent {
	var raw chatWebhookBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return IgnoredEvent{Reason: "invalid_json"}
	}

	category := raw.Category
	if category == "" {
		category = raw.EventCategory
	}
	if category != CategoryMessageSend {
		return IgnoredEvent{Category: category, Reason: "unsupported_category"}
	}

	messageID := strings.Trim(string(raw.Payload.MessageID), `"`)
	if messageID == "" || messageID == "null" || raw.Channel.ChannelURL == "" || raw.Sender.UserID == "" {
		return IgnoredEvent{Category: category, Reason: "missing_fields"}
	}

	return MessageEvent{Message: service.InboundMessage{
		MessageID:  messageID,
		ChannelURL: raw.Channel.ChannelURL,
		SenderID:   raw.Sender.UserID,
		Text:       raw.Payload.Message,
	}}
}

// ChatWebhook 聊天平台回调
// POST /webhook/chat
//
// 【关键点】无论处理成功与否都立即返回 200，避免平台重投风暴；
// 路由在后台 goroutine 中执行，重投的消息由幂等守卫拦截
func (h *Handler) ChatWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.log.Warn("读取聊天回调失败", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	switch evt := ParseChatEvent(body).(type) {
	case MessageEvent:
		msg := evt.Message
		_ = async.Go(c.Request.Context(), h.log, "chat.route", func(ctx context.Context) error {
			h.router.Route(ctx, msg)
			return nil
		})
	case IgnoredEvent:
		h.log.Debug("忽略聊天回调", zap.String("category", evt.Category), zap.String("reason", evt.Reason))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// PaymentWebhook 支付渠道回调
// POST /webhook/payment
//
// 【关键点】先用原始字节验签，验签失败直接 401，不解析、不改任何状态
func (h *Handler) PaymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		response.ParamError(c, "读取请求失败")
		return
	}

	err = VerifySignature(h.paymentCfg.WebhookSecret, c.GetHeader(SignatureHeader), body, h.now(), h.paymentCfg.SignatureSkew)
	if err != nil {
		h.log.Warn("支付回调验签失败", zap.String("client_ip", c.ClientIP()), zap.Error(err))
		response.Error(c, http.StatusUnauthorized, response.CodeSignatureInvalid, err.Error())
		return
	}

	var evt service.PaymentEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.ID == "" {
		response.ParamError(c, "支付事件格式错误")
		return
	}

	if err := h.payments.Handle(c.Request.Context(), evt); err != nil {
		h.log.Error("处理支付回调失败", zap.String("event_id", evt.ID), zap.Error(err))
		response.ServerError(c, "处理支付回调失败")
		return
	}

	response.Success(c, gin.H{"received": true})
}
