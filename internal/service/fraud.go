package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"paysupport/internal/config"
	"paysupport/internal/model"
	"paysupport/pkg/async"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// 风控规则名，落在 fraud_logs.triggers 里
const (
	TriggerHighAmount    = "high_amount"
	TriggerRefundAbuse   = "refund_history_abuse"
	TriggerNewAccount    = "new_account_instant_refund"
	TriggerRapidRepeat   = "rapid_repeat_request"
	maxRiskScore         = 100
	mediumRiskLowerBound = 31
	highRiskLowerBound   = 61
)

type FraudHistory interface {
	CountApprovedSince(ctx context.Context, userID string, since time.Time) (int64, error)
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

type FraudLogStore interface {
	Create(ctx context.Context, log *model.FraudLog) error
}

type FraudInput struct {
	UserID        string
	TransactionID string
	RefundAmount  decimal.Decimal
	AccountAge    time.Duration
}

// FraudSignals 评估时从库里现查的历史计数
type FraudSignals struct {
	RefundAmount decimal.Decimal
	Refunds30d   int64
	Requests24h  int64
	AccountAge   time.Duration
}

type FraudAssessment struct {
	RiskScore int
	RiskLevel string
	Action    string
	Triggers  []string
	// Audit 审计写入，调用方不需要等待
	Audit *async.Task
}

// FraudScorer 加权规则打分，不在调用之间保留任何状态
type FraudScorer struct {
	history FraudHistory
	logs    FraudLogStore
	cfg     config.FraudConfig
	log     *zap.Logger
	now     func() time.Time
}

func NewFraudScorer(history FraudHistory, logs FraudLogStore, cfg config.FraudConfig, log *zap.Logger) *FraudScorer {
	return &FraudScorer{history: history, logs: logs, cfg: cfg, log: log, now: time.Now}
}

func (s *FraudScorer) Evaluate(ctx context.Context, in FraudInput) (*FraudAssessment, error) {
	now := s.now()

	refunds, err := s.history.CountApprovedSince(ctx, in.UserID, now.AddDate(0, 0, -30))
	if err != nil {
		return nil, fmt.Errorf("查询退款历史失败: %w", err)
	}
	requests, err := s.history.CountCreatedSince(ctx, in.UserID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("查询退款申请次数失败: %w", err)
	}

	signals := FraudSignals{
		RefundAmount: in.RefundAmount,
		Refunds30d:   refunds,
		Requests24h:  requests,
		AccountAge:   in.AccountAge,
	}
	score, triggers := ScoreRisk(signals, s.cfg)
	level, action := RiskBand(score)

	assessment := &FraudAssessment{
		RiskScore: score,
		RiskLevel: level,
		Action:    action,
		Triggers:  triggers,
	}

	triggersJSON, _ := json.Marshal(triggers)
	entry := &model.FraudLog{
		UserID:         in.UserID,
		TransactionID:  in.TransactionID,
		RefundAmount:   in.RefundAmount,
		RiskScore:      score,
		RiskLevel:      level,
		Action:         action,
		Triggers:       datatypes.JSON(triggersJSON),
		Refunds30d:     refunds,
		Requests24h:    requests,
		AccountAgeDays: int(in.AccountAge.Hours() / 24),
	}
	assessment.Audit = async.Go(ctx, s.log, "fraud.audit", func(ctx context.Context) error {
		return s.logs.Create(ctx, entry)
	})

	s.log.Info("风控评估完成",
		zap.String("user_id", in.UserID),
		zap.String("transaction_id", in.TransactionID),
		zap.Int("risk_score", score),
		zap.String("risk_level", level),
		zap.Strings("triggers", triggers))

	return assessment, nil
}

// ScoreRisk 各规则权重相加，封顶 100
func ScoreRisk(sig FraudSignals, cfg config.FraudConfig) (int, []string) {
	score := 0
	triggers := []string{}

	if sig.RefundAmount.GreaterThanOrEqual(decimal.NewFromFloat(cfg.HighAmount)) {
		score += cfg.HighAmountWeight
		triggers = append(triggers, TriggerHighAmount)
	}
	if sig.Refunds30d >= cfg.AbuseRefundCount {
		score += cfg.AbuseWeight
		triggers = append(triggers, TriggerRefundAbuse)
	}
	if sig.AccountAge < time.Duration(cfg.NewAccountDays)*24*time.Hour {
		score += cfg.NewAccountWeight
		triggers = append(triggers, TriggerNewAccount)
	}
	if sig.Requests24h >= cfg.RapidRepeatCount {
		score += cfg.RapidRepeatWeight
		triggers = append(triggers, TriggerRapidRepeat)
	}

	if score > maxRiskScore {
		score = maxRiskScore
	}
	return score, triggers
}

// RiskBand <31 LOW/APPROVE，31-60 MEDIUM/PARTIAL，>=61 HIGH/ESCALATE
func RiskBand(score int) (string, string) {
	switch {
	case score >= highRiskLowerBound:
		return model.RiskLevelHigh, model.FraudActionEscalate
	case score >= mediumRiskLowerBound:
		return model.RiskLevelMedium, model.FraudActionPartial
	default:
		return model.RiskLevelLow, model.FraudActionApprove
	}
}
