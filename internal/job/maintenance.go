package job

import (
	"context"
	"time"

	"paysupport/internal/model"
	"paysupport/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CleanupJob 清理过期的幂等台账和已投递的 outbox 事件
type CleanupJob struct {
	eventRepo  *repository.ProcessedEventRepository
	outboxRepo *repository.OutboxRepository
	log        *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	sentTTL    time.Duration
}

func NewCleanupJob(db *gorm.DB, log *zap.Logger) *CleanupJob {
	return &CleanupJob{
		eventRepo:  repository.NewProcessedEventRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		log:        log.Named("CleanupJob"),
		stopCh:     make(chan struct{}),
		interval:   time.Minute,
		batchSize:  500,
		sentTTL:    7 * 24 * time.Hour,
	}
}

func (j *CleanupJob) Start(ctx context.Context) {
	j.log.Info("清理任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.cleanup(ctx, time.Now())
		}
	}
}

func (j *CleanupJob) Stop() {
	close(j.stopCh)
}

func (j *CleanupJob) cleanup(ctx context.Context, now time.Time) {
	events, err := j.eventRepo.DeleteExpired(ctx, now, j.batchSize)
	if err != nil {
		j.log.Warn("清理幂等台账失败", zap.Error(err))
	}

	sent, err := j.outboxRepo.DeleteSentBefore(ctx, now.Add(-j.sentTTL), j.batchSize)
	if err != nil {
		j.log.Warn("清理已投递事件失败", zap.Error(err))
	}

	if events > 0 || sent > 0 {
		j.log.Info("清理完成", zap.Int64("processed_events", events), zap.Int64("outbox_messages", sent))
	}
}

// RefundResumer 由协商服务实现，重新执行一笔已批准的退款
type RefundResumer interface {
	ResumeApproved(ctx context.Context, req *model.RefundRequest) error
}

// RefundCompensateJob 补偿任务
//
// 自动批准的退款先落决策再执行，执行过程中进程退出或支付渠道失败，
// 协商会停在 policy_evaluated + approved。这里找出这些记录重新执行，
// 交易状态的条件更新保证不会重复退款
type RefundCompensateJob struct {
	refundRepo *repository.RefundRequestRepository
	resumer    RefundResumer
	log        *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	minAge     time.Duration
	maxAge     time.Duration
}

func NewRefundCompensateJob(db *gorm.DB, resumer RefundResumer, log *zap.Logger) *RefundCompensateJob {
	return &RefundCompensateJob{
		refundRepo: repository.NewRefundRequestRepository(db),
		resumer:    resumer,
		log:        log.Named("RefundCompensateJob"),
		stopCh:     make(chan struct{}),
		interval:   30 * time.Second,
		batchSize:  50,
		minAge:     2 * time.Minute,
		maxAge:     24 * time.Hour,
	}
}

func (j *RefundCompensateJob) Start(ctx context.Context) {
	j.log.Info("补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.compensate(ctx, time.Now())
		}
	}
}

func (j *RefundCompensateJob) Stop() {
	close(j.stopCh)
}

func (j *RefundCompensateJob) compensate(ctx context.Context, now time.Time) {
	list, err := j.refundRepo.GetStaleApproved(ctx, now.Add(-j.maxAge), now.Add(-j.minAge), j.batchSize)
	if err != nil {
		j.log.Warn("查询待补偿退款失败", zap.Error(err))
		return
	}

	if len(list) == 0 {
		return
	}

	j.log.Info("发现需要补偿的退款", zap.Int("count", len(list)))

	for _, req := range list {
		if err := j.resumer.ResumeApproved(ctx, req); err != nil {
			j.log.Warn("补偿退款失败",
				zap.Int64("refund_request_id", req.ID),
				zap.String("transaction_id", req.TransactionID),
				zap.Error(err))
			continue
		}
		j.log.Info("补偿退款完成", zap.Int64("refund_request_id", req.ID), zap.String("transaction_id", req.TransactionID))
	}
}
