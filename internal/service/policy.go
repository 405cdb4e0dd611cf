package service

import (
	"time"

	"paysupport/internal/config"
	"paysupport/internal/model"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 退款决策表
// ============================================================================
//
// 规则严格按顺序匹配，命中即返回，下游规则不能推翻上游：
//
//   1. 用户自述欺诈 / 情绪识别为高优先级  -> ESCALATE (HIGH)
//   2. 近 30 天已获批退款 >= 3 次          -> ESCALATE (HIGH)
//   3. 小额且在退款窗口内                  -> APPROVED 全额
//   4. 重复扣款：核验到另一笔同额交易       -> APPROVED 全额；核验不到 -> ESCALATE
//   5. 服务问题                            -> COUPON，不退现金
//   6. 误付款：首次 -> PARTIAL 50%；再次 -> ESCALATE
//   7. 其他                                -> ESCALATE (NORMAL)
//
// 决策表本身不做任何 I/O，当前时间也作为输入传入，同样的输入永远得到同样的结果
//
// ============================================================================

const (
	DecisionApproved = "APPROVED"
	DecisionPartial  = "PARTIAL"
	DecisionCoupon   = "COUPON"
	DecisionEscalate = "ESCALATE"
)

// 决策原因
const (
	ReasonFraudReported         = "fraud_reported"
	ReasonHighPrioritySentiment = "high_priority_sentiment"
	ReasonRefundAbuse           = "refund_abuse"
	ReasonSmallAmount           = "small_amount_within_window"
	ReasonVerifiedDuplicate     = "verified_duplicate"
	ReasonUnverifiedDuplicate   = "unverified_duplicate"
	ReasonServiceIssue          = "service_issue_coupon"
	ReasonAccidentalFirst       = "accidental_first_attempt"
	ReasonAccidentalRepeat      = "accidental_repeat_attempt"
	ReasonManualReview          = "manual_review"
)

var partialRatio = decimal.NewFromFloat(0.5)

type PolicyContext struct {
	Amount                decimal.Decimal
	Reason                string
	HighPrioritySentiment bool
	Attempts              int
	HasDuplicate          bool
	TransactionDate       time.Time
	AbuseScore            int64
	Now                   time.Time
}

type PolicyDecision struct {
	Decision string          `json:"decision"`
	Reason   string          `json:"reason"`
	Amount   decimal.Decimal `json:"amount"`
	Message  string          `json:"message"`
	Priority string          `json:"priority"`
}

type PolicyEngine struct {
	cfg config.RefundConfig
}

func NewPolicyEngine(cfg config.RefundConfig) *PolicyEngine {
	return &PolicyEngine{cfg: cfg}
}

func (e *PolicyEngine) Evaluate(pc PolicyContext) PolicyDecision {
	amount := pc.Amount.Round(2)

	if pc.Reason == model.RefundReasonFraud {
		return escalate(ReasonFraudReported, model.PriorityHigh)
	}
	if pc.HighPrioritySentiment {
		return escalate(ReasonHighPrioritySentiment, model.PriorityHigh)
	}

	if pc.AbuseScore >= int64(e.cfg.AbuseThreshold) {
		return escalate(ReasonRefundAbuse, model.PriorityHigh)
	}

	withinWindow := e.withinWindow(pc.TransactionDate, pc.Now)
	if withinWindow && amount.LessThan(decimal.NewFromFloat(e.cfg.SmallAmountThreshold)) {
		return PolicyDecision{
			Decision: DecisionApproved,
			Reason:   ReasonSmallAmount,
			Amount:   amount,
			Message:  "您的退款已自动批准，将原路退回 " + amount.StringFixed(2),
			Priority: model.PriorityNormal,
		}
	}

	switch pc.Reason {
	case model.RefundReasonDuplicate:
		if pc.HasDuplicate {
			return PolicyDecision{
				Decision: DecisionApproved,
				Reason:   ReasonVerifiedDuplicate,
				Amount:   amount,
				Message:  "已核实重复扣款，将全额退回 " + amount.StringFixed(2),
				Priority: model.PriorityNormal,
			}
		}
		return escalate(ReasonUnverifiedDuplicate, model.PriorityNormal)

	case model.RefundReasonServiceIssue:
		return PolicyDecision{
			Decision: DecisionCoupon,
			Reason:   ReasonServiceIssue,
			Amount:   decimal.Zero,
			Message:  "非常抱歉给您带来不便，我们为您发放了一张补偿券",
			Priority: model.PriorityNormal,
		}

	case model.RefundReasonAccidental:
		// 窗口内外处理相同，只看是否首次
		if pc.Attempts == 0 {
			offer := amount.Mul(partialRatio).Round(2)
			return PolicyDecision{
				Decision: DecisionPartial,
				Reason:   ReasonAccidentalFirst,
				Amount:   offer,
				Message:  "我们可以为您退还 50%，即 " + offer.StringFixed(2) + "，是否接受？",
				Priority: model.PriorityNormal,
			}
		}
		return escalate(ReasonAccidentalRepeat, model.PriorityNormal)
	}

	return escalate(ReasonManualReview, model.PriorityNormal)
}

func (e *PolicyEngine) withinWindow(txnDate, now time.Time) bool {
	return now.Sub(txnDate) <= time.Duration(e.cfg.WindowDays)*24*time.Hour
}

func escalate(reason, priority string) PolicyDecision {
	return PolicyDecision{
		Decision: DecisionEscalate,
		Reason:   reason,
		Amount:   decimal.Zero,
		Message:  "您的退款申请需要人工审核，已为您转接客服",
		Priority: priority,
	}
}
