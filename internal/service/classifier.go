package service

import (
	"context"
	"strings"

	"paysupport/internal/platform"

	"go.uber.org/zap"
)

// 意图
const (
	IntentRetryPayment = "retry_payment"
	IntentRefund       = "refund"
	IntentEscalate     = "escalate"
	IntentFAQ          = "faq"
	IntentUnknown      = "unknown"
)

// highPriorityTerms 命中即直接转人工（高优先级）
var highPriorityTerms = []string{
	"fraud", "scam", "stolen", "unauthorized", "chargeback", "lawyer", "police",
	"盗刷", "被骗", "诈骗", "报警", "律师", "投诉",
}

var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{IntentEscalate, []string{"human", "agent", "real person", "人工", "转客服"}},
	{IntentRefund, []string{"refund", "money back", "退款", "退钱"}},
	{IntentRetryPayment, []string{"retry", "pay again", "payment failed", "重新支付", "支付失败", "付款失败"}},
}

// DetectHighPrioritySentiment 情绪/风险触发词检测
func DetectHighPrioritySentiment(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range highPriorityTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// IntentClassifier 意图识别
// classification 开关打开且全局额度未用完时调用远程模型，否则（或远程失败时）走关键词规则
type IntentClassifier struct {
	remote  platform.IntentClient
	limiter *RateLimiter
	gate    *FeatureGate
	faq     *FAQ
	log     *zap.Logger
}

func NewIntentClassifier(remote platform.IntentClient, limiter *RateLimiter, gate *FeatureGate, faq *FAQ, log *zap.Logger) *IntentClassifier {
	return &IntentClassifier{remote: remote, limiter: limiter, gate: gate, faq: faq, log: log}
}

func (c *IntentClassifier) Classify(ctx context.Context, text string) string {
	if c.remote != nil && c.gate.Enabled(ctx, FeatureClassification) && c.limiter.AllowClassification(ctx) {
		intent, err := c.remote.Classify(ctx, text)
		if err == nil && knownIntent(intent) {
			return intent
		}
		if err != nil {
			c.log.Warn("远程意图识别失败，使用关键词规则", zap.Error(err))
		}
	}
	return c.classifyByKeywords(text)
}

func (c *IntentClassifier) classifyByKeywords(text string) string {
	lower := strings.ToLower(text)
	for _, rule := range intentKeywords {
		for _, k := range rule.keywords {
			if strings.Contains(lower, k) {
				return rule.intent
			}
		}
	}
	if c.faq.Match(text) != "" {
		return IntentFAQ
	}
	return IntentUnknown
}

func knownIntent(intent string) bool {
	switch intent {
	case IntentRetryPayment, IntentRefund, IntentEscalate, IntentFAQ:
		return true
	}
	return false
}
