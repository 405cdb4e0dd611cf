package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	webhook := r.Group("/webhook")
	{
		webhook.POST("/chat", h.ChatWebhook)
		webhook.POST("/payment", h.PaymentWebhook)
	}

	api := r.Group("/api/v1")
	{
		refund := api.Group("/refund")
		{
			refund.POST("/action", h.RefundAction)
			refund.POST("/execute", h.ExecuteRefund)
		}

		api.POST("/escalate", h.Escalate)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
