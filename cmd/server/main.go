package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paysupport/internal/config"
	"paysupport/internal/handler"
	"paysupport/internal/infrastructure/cache"
	"paysupport/internal/infrastructure/database"
	"paysupport/internal/infrastructure/logger"
	"paysupport/internal/infrastructure/mq"
	"paysupport/internal/job"
	"paysupport/internal/platform"
	"paysupport/internal/repository"
	"paysupport/internal/service"
	"paysupport/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化日志
	log := logger.InitLogger(&cfg.Log)
	defer log.Sync()

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL, log)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis, log)
	defer redisClient.Close()

	// 初始化 Kafka
	producer := mq.InitKafka(&cfg.Kafka, log)
	if producer != nil {
		defer producer.Close()
	}

	// 外部平台
	chatClient := platform.NewChatClient(cfg.Platform.Chat, cfg.Support.BotUserID)
	deskClient := platform.NewDeskClient(cfg.Platform.Desk)
	paymentClient := platform.NewPaymentClient(cfg.Platform.Payment)
	var intentClient platform.IntentClient
	if cfg.Platform.Intent.BaseURL != "" {
		intentClient = platform.NewIntentClient(cfg.Platform.Intent)
	}

	// 仓储
	transactionRepo := repository.NewTransactionRepository(db)
	refundRepo := repository.NewRefundRequestRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	mappingRepo := repository.NewChannelMappingRepository(db)

	// 服务
	gate := service.NewFeatureGate(repository.NewFeatureFlagRepository(db), cfg.Feature.Defaults, cfg.Feature.CacheTTL, log)
	events := service.NewEventPublisher(repository.NewOutboxRepository(db), cfg.Kafka.Topic, gate, log)
	guard := service.NewIdempotencyGuard(redisClient, repository.NewProcessedEventRepository(db), cfg.Idempotent, log)
	limiter := service.NewRateLimiter(redisClient, cfg.RateLimit, log)
	faq := service.NewFAQ(cfg.Support.FAQ)
	classifier := service.NewIntentClassifier(intentClient, limiter, gate, faq, log)
	fraud := service.NewFraudScorer(refundRepo, repository.NewFraudLogRepository(db), cfg.Fraud, log)
	policy := service.NewPolicyEngine(cfg.Refund)

	escalation := service.NewEscalationService(mappingRepo, conversationRepo, deskClient, chatClient,
		redisClient, events, cfg.Escalation, cfg.Support.BotUserID, log)
	defer escalation.Stop()

	negotiation := service.NewNegotiationService(db, redisClient, cfg.Refund, policy, fraud, gate,
		escalation, paymentClient, chatClient, events, log)

	router, err := service.NewMessageRouter(cfg.Support, guard, limiter, classifier, faq, escalation,
		negotiation, transactionRepo, conversationRepo, chatClient, paymentClient, log)
	if err != nil {
		log.Fatal("初始化消息路由失败", zap.Error(err))
	}

	payments := service.NewPaymentWebhookService(guard, transactionRepo, chatClient, events, log)

	// 重建升级状态缓存
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := escalation.Restore(ctx); err != nil {
		log.Warn("重建升级状态失败", zap.Error(err))
	} else {
		log.Info("升级状态已重建", zap.Int("mappings", n))
	}

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg, log)
	go outboxSender.Start(ctx)

	cleanupJob := job.NewCleanupJob(db, log)
	go cleanupJob.Start(ctx)

	compensateJob := job.NewRefundCompensateJob(db, negotiation, log)
	go compensateJob.Start(ctx)

	// 设置路由
	h := handler.NewHandler(router, payments, negotiation, escalation, cfg.Platform.Payment, log)
	engine := handler.SetupRouter(h, log)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("服务关闭异常", zap.Error(err))
	}

	log.Info("服务已关闭")
}
