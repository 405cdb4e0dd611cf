package database

import (
	"fmt"
	"time"

	"paysupport/internal/config"
	"paysupport/internal/model"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Models 需要自动迁移的表，测试里的内存库也用同一份列表建表
var Models = []interface{}{
	&model.Transaction{},
	&model.RefundRequest{},
	&model.ConversationState{},
	&model.ChannelMapping{},
	&model.ProcessedEvent{},
	&model.FraudLog{},
	&model.Coupon{},
	&model.FeatureFlag{},
	&model.OutboxMessage{},
}

// InitMySQL 初始化 MySQL 连接
func InitMySQL(cfg *config.MySQLConfig, log *zap.Logger) *gorm.DB {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true, // 唯一键冲突翻译为 gorm.ErrDuplicatedKey，幂等台账依赖它
	})
	if err != nil {
		log.Fatal("连接 MySQL 失败", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("获取底层 DB 失败", zap.Error(err))
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(Models...); err != nil {
		log.Fatal("自动迁移表结构失败", zap.Error(err))
	}

	DB = db
	log.Info("MySQL 连接成功")
	return db
}
