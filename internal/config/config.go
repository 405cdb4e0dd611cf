package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Business   BusinessConfig   `mapstructure:"business"`
	Support    SupportConfig    `mapstructure:"support"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Idempotent IdempotentConfig `mapstructure:"idempotency"`
	Refund     RefundConfig     `mapstructure:"refund"`
	Fraud      FraudConfig      `mapstructure:"fraud"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Feature    FeatureConfig    `mapstructure:"feature"`
	Platform   PlatformConfig   `mapstructure:"platform"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	SupportEvents string `mapstructure:"support_events"`
	Notifications string `mapstructure:"notifications"`
}

type BusinessConfig struct {
	MaxRetryCount int `mapstructure:"max_retry_count"`
}

// SupportConfig 客服机器人自身的配置
type SupportConfig struct {
	BotUserID          string            `mapstructure:"bot_user_id"`
	TransactionPattern string            `mapstructure:"transaction_pattern"` // 从消息中提取交易号的正则
	FAQ                map[string]string `mapstructure:"faq"`                 // 关键词 -> 标准答案
}

// RateLimitConfig 双窗口限流：分钟级控节奏，天级控总量
type RateLimitConfig struct {
	MinuteLimit   int `mapstructure:"minute_limit"`
	DayLimit      int `mapstructure:"day_limit"`
	ClassifyQuota int `mapstructure:"classify_quota"` // 远程意图识别每日额度
}

type IdempotentConfig struct {
	RedisTTL   time.Duration `mapstructure:"redis_ttl"`
	DurableTTL time.Duration `mapstructure:"durable_ttl"`
	MemoryTTL  time.Duration `mapstructure:"memory_ttl"`
}

// RefundConfig 退款决策表参数
type RefundConfig struct {
	SmallAmountThreshold float64       `mapstructure:"small_amount_threshold"`
	WindowDays           int           `mapstructure:"window_days"`
	AbuseThreshold       int           `mapstructure:"abuse_threshold"`
	DuplicateLookback    time.Duration `mapstructure:"duplicate_lookback"`
	CouponValidDays      int           `mapstructure:"coupon_valid_days"`
}

// FraudConfig 风控规则权重
type FraudConfig struct {
	HighAmount        float64 `mapstructure:"high_amount"`
	HighAmountWeight  int     `mapstructure:"high_amount_weight"`
	AbuseRefundCount  int64   `mapstructure:"abuse_refund_count"`
	AbuseWeight       int     `mapstructure:"abuse_weight"`
	NewAccountDays    int     `mapstructure:"new_account_days"`
	NewAccountWeight  int     `mapstructure:"new_account_weight"`
	RapidRepeatCount  int64   `mapstructure:"rapid_repeat_count"`
	RapidRepeatWeight int     `mapstructure:"rapid_repeat_weight"`
}

type EscalationConfig struct {
	AgentAwayDelay time.Duration `mapstructure:"agent_away_delay"`
	SupervisorIDs  []string      `mapstructure:"supervisor_ids"`
}

type FeatureConfig struct {
	CacheTTL time.Duration   `mapstructure:"cache_ttl"`
	Defaults map[string]bool `mapstructure:"defaults"`
}

type PlatformConfig struct {
	Chat    EndpointConfig `mapstructure:"chat"`
	Desk    EndpointConfig `mapstructure:"desk"`
	Payment PaymentConfig  `mapstructure:"payment"`
	Intent  EndpointConfig `mapstructure:"intent"`
}

type EndpointConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIToken string        `mapstructure:"api_token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type PaymentConfig struct {
	EndpointConfig `mapstructure:",squash"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	SignatureSkew  time.Duration `mapstructure:"signature_skew"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
// 配置文件缺失时只用默认值 + 环境变量（容器部署时常见），环境变量前缀 PAYSUPPORT，
// 层级用下划线连接，例如 PAYSUPPORT_MYSQL_PASSWORD
func LoadConfig(configPath string) *Config {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PAYSUPPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Printf("读取配置文件失败，使用默认配置: %v", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")

	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("kafka.topic.support_events", "support.events")
	v.SetDefault("kafka.topic.notifications", "support.notifications")
	v.SetDefault("business.max_retry_count", 5)

	v.SetDefault("support.bot_user_id", "support_bot")
	v.SetDefault("support.transaction_pattern", `\bTXN[0-9A-Z]{6,}\b`)

	v.SetDefault("rate_limit.minute_limit", 20)
	v.SetDefault("rate_limit.day_limit", 500)
	v.SetDefault("rate_limit.classify_quota", 5000)

	v.SetDefault("idempotency.redis_ttl", 10*time.Minute)
	v.SetDefault("idempotency.durable_ttl", 24*time.Hour)
	v.SetDefault("idempotency.memory_ttl", 10*time.Minute)

	v.SetDefault("refund.small_amount_threshold", 100)
	v.SetDefault("refund.window_days", 7)
	v.SetDefault("refund.abuse_threshold", 3)
	v.SetDefault("refund.duplicate_lookback", 24*time.Hour)
	v.SetDefault("refund.coupon_valid_days", 30)

	v.SetDefault("fraud.high_amount", 200)
	v.SetDefault("fraud.high_amount_weight", 30)
	v.SetDefault("fraud.abuse_refund_count", 3)
	v.SetDefault("fraud.abuse_weight", 40)
	v.SetDefault("fraud.new_account_days", 7)
	v.SetDefault("fraud.new_account_weight", 25)
	v.SetDefault("fraud.rapid_repeat_count", 2)
	v.SetDefault("fraud.rapid_repeat_weight", 20)

	v.SetDefault("escalation.agent_away_delay", 30*time.Second)

	v.SetDefault("feature.cache_ttl", 30*time.Second)
	v.SetDefault("feature.defaults", map[string]bool{
		"classification":     true,
		"auto_approval":      true,
		"fraud_scoring":      true,
		"secondary_channels": true,
	})

	v.SetDefault("platform.chat.timeout", 10*time.Second)
	v.SetDefault("platform.desk.timeout", 10*time.Second)
	v.SetDefault("platform.payment.timeout", 15*time.Second)
	v.SetDefault("platform.payment.signature_skew", 5*time.Minute)
	v.SetDefault("platform.intent.timeout", 3*time.Second)
}
