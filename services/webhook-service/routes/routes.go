package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	awspkg "github.com/yashrajoria/commerce-webhooks/pkg/aws"
	apperrors "github.com/yashrajoria/commerce-webhooks/services/common/errors"
	"github.com/yashrajoria/commerce-webhooks/services/common/logger"
	commonmw "github.com/yashrajoria/commerce-webhooks/services/common/middleware"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/controllers"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/middleware"
)

const ServiceName = "webhook-service"

type Options struct {
	AdminJWTSecret      string
	AdminAllowedOrigins []string
	AdminRatePerMinute  int
	AdminRateBurst      int
	Metrics             *awspkg.MetricsClient
	Logger              *zap.Logger
}

// NewRouter builds the engine with the shared middleware chain.
func NewRouter(wc *controllers.WebhookController, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.RequestID())
	r.Use(commonmw.RequestLogger(opts.Logger))
	r.Use(commonmw.SecurityHeaders())
	r.Use(commonmw.MetricsMiddleware(opts.Metrics, ServiceName))
	r.Use(apperrors.ErrorMiddleware())

	// 30-second request timeout
	r.Use(func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": ServiceName})
	})
	RegisterWebhookRoutes(r, wc, opts)
	return r
}

func RegisterWebhookRoutes(r *gin.Engine, wc *controllers.WebhookController, opts Options) {
	// Provider callbacks authenticate by signature, not by session.
	webhooks := r.Group("/webhooks")
	webhooks.POST("/checkout", wc.Checkout)
	webhooks.POST("/shipping", wc.Shipping)

	perMinute, burst := opts.AdminRatePerMinute, opts.AdminRateBurst
	if perMinute <= 0 {
		perMinute = 30
	}
	if burst <= 0 {
		burst = 5
	}
	admin := r.Group("/admin/webhooks")
	admin.Use(commonmw.CORSMiddleware(opts.AdminAllowedOrigins))
	admin.Use(commonmw.RateLimitMiddleware(perMinute, burst))
	admin.Use(middleware.AdminAuth(opts.AdminJWTSecret))
	admin.OPTIONS("/reprocess", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	admin.POST("/reprocess", wc.Reprocess)
}
