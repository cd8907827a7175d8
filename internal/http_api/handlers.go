package http_api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dedata/checkpay/internal/models"
)

// VerifyRequest is the body of POST /checkin/verify
type VerifyRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

// NonceRequest is the body of POST /auth/nonce
type NonceRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
}

// SignInRequest is the body of POST /auth/verify
type SignInRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	Nonce         string `json:"nonce" binding:"required"`
	Signature     string `json:"signature" binding:"required"`
	ChainID       int64  `json:"chain_id"`
}

func (s *HTTPServer) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			s.logger.Warn("Health check failed", "dependency", name, "error", err)
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(status, gin.H{"success": status == http.StatusOK, "checks": checks})
}

func (s *HTTPServer) listNetworks(c *gin.Context) {
	doc := s.networks.Networks()
	if doc == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("payment networks are not available yet", string(models.CodePaymentUnavailable)))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"data":       doc,
		"updated_at": s.networks.UpdatedAt(),
	})
}

func (s *HTTPServer) nonce(c *gin.Context) {
	var req NonceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	challenge, err := s.auth.Nonce(c.Request.Context(), req.WalletAddress)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"nonce":      challenge.Nonce,
			"message":    challenge.Message,
			"expires_at": challenge.ExpiresAt,
		},
	})
}

// signIn exchanges a signed nonce for a session token, registering the wallet on first use.
func (s *HTTPServer) signIn(c *gin.Context) {
	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	session, err := s.auth.SignIn(c.Request.Context(), models.SignInRequest{
		WalletAddress: req.WalletAddress,
		Nonce:         req.Nonce,
		Signature:     req.Signature,
		ChainID:       req.ChainID,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"token":      session.Token,
			"expires_at": session.ExpiresAt,
			"user":       session.User,
			"created":    session.Created,
		},
	})
}

// checkIn answers 201 with the new check-in, 200 when the day is already claimed and 402 with a
// payment challenge when check-ins are gated.
func (s *HTTPServer) checkIn(c *gin.Context) {
	out, err := s.checkins.CheckIn(c.Request.Context(), c.GetString(ctxUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}

	switch {
	case out.AlreadyCheckedIn:
		c.JSON(http.StatusOK, gin.H{
			"success":          true,
			"alreadyCheckedIn": true,
			"message":          "Already checked in today",
		})
	case out.Challenge != nil:
		c.JSON(http.StatusPaymentRequired, gin.H{
			"success":        false,
			"message":        "Payment required",
			"l402_challenge": out.Challenge,
			"verify_policy":  models.DefaultVerifyPolicy,
		})
	default:
		c.JSON(http.StatusCreated, gin.H{
			"success":  true,
			"message":  "Checked in, payout queued",
			"check_in": out.CheckIn,
			"payout":   out.Payout,
		})
	}
}

func (s *HTTPServer) verifyPayment(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Debug("Invalid request body", "error", err)
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	out, err := s.checkins.VerifyPayment(c.Request.Context(), c.GetString(ctxUserID), req.OrderID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	body := gin.H{"success": out.Success}
	if out.Reason != "" {
		body["reason"] = out.Reason
	}
	if out.AlreadyCheckedIn {
		body["alreadyCheckedIn"] = true
	}
	if out.CheckIn != nil {
		body["check_in"] = out.CheckIn
		body["payout"] = out.Payout
	}
	c.JSON(http.StatusOK, body)
}

func (s *HTTPServer) listCheckIns(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "0"))

	out, err := s.checkins.ListCheckIns(c.Request.Context(), c.GetString(ctxUserID), page, pageSize)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
}

func (s *HTTPServer) todayCheckIn(c *gin.Context) {
	view, err := s.checkins.TodayCheckIn(c.Request.Context(), c.GetString(ctxUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": view})
}

func (s *HTTPServer) getCheckIn(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := s.checkins.GetCheckIn(c.Request.Context(), c.GetString(ctxUserID), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": view})
}

func (s *HTTPServer) retryCheckIn(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	payout, err := s.checkins.RetryCheckIn(c.Request.Context(), id, c.GetString(ctxUserID))
	s.retried(c, payout, err)
}

func (s *HTTPServer) getPayout(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := s.checkins.GetPayout(c.Request.Context(), c.GetString(ctxUserID), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": view})
}

func (s *HTTPServer) retryPayout(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	payout, err := s.checkins.RetryPayout(c.Request.Context(), id, c.GetString(ctxUserID))
	s.retried(c, payout, err)
}

func (s *HTTPServer) adminRetryPayout(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	payout, err := s.checkins.AdminRetryPayout(c.Request.Context(), id)
	if err == nil {
		s.logger.Info("Admin retried payout", "payoutId", id, "admin", c.GetString(ctxUserID))
	}
	s.retried(c, payout, err)
}

func (s *HTTPServer) retried(c *gin.Context, payout *models.TokenPayout, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Payout queued for retry",
		"payout":  payout,
	})
}

func (s *HTTPServer) queueStats(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

func (s *HTTPServer) failedPayouts(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit < 1 || limit > 1000 {
		badRequest(c, "limit must be between 1 and 1000")
		return
	}
	jobs, err := s.queue.FailedJobs(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": jobs})
}

// pathID reads the :id parameter, answering 400 when it is not a UUID.
func pathID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		badRequest(c, "invalid id")
		return "", false
	}
	return id, true
}
