package http_api

import (
	"github.com/gin-gonic/gin"

	"github.com/dedata/checkpay/internal/metrics"
)

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.router.Group("/api/v1", s.rateLimit())
	api.GET("/networks", s.listNetworks)

	authGroup := api.Group("/auth")
	authGroup.POST("/nonce", s.nonce)
	authGroup.POST("/verify", s.signIn)

	user := api.Group("", s.authenticate())
	user.POST("/checkin", s.checkIn)
	user.POST("/checkin/verify", s.verifyPayment)
	user.GET("/checkins", s.listCheckIns)
	user.GET("/checkins/today", s.todayCheckIn)
	user.GET("/checkins/:id", s.getCheckIn)
	user.POST("/checkins/:id/retry", s.retryCheckIn)
	user.GET("/payouts/:id", s.getPayout)
	user.POST("/payouts/:id/retry", s.retryPayout)

	admin := user.Group("/admin", s.requireAdmin())
	admin.POST("/payouts/:id/retry", s.adminRetryPayout)
	admin.GET("/payouts/failed", s.failedPayouts)
	admin.GET("/queue", s.queueStats)
}
