package http_api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dedata/checkpay/internal/models"
)

var statusByCode = map[models.ErrorCode]int{
	models.CodeNotFound:            http.StatusNotFound,
	models.CodeUserNotFound:        http.StatusNotFound,
	models.CodeChallengeNotFound:   http.StatusNotFound,
	models.CodeAlreadyCheckedIn:    http.StatusConflict,
	models.CodeRetryLimitExceeded:  http.StatusConflict,
	models.CodeAlreadyCompleted:    http.StatusConflict,
	models.CodePayoutInFlight:      http.StatusConflict,
	models.CodeWalletMissing:       http.StatusConflict,
	models.CodeRateLimited:         http.StatusTooManyRequests,
	models.CodeUnauthorized:        http.StatusForbidden,
	models.CodeUserInactive:        http.StatusForbidden,
	models.CodePaymentUnavailable:  http.StatusServiceUnavailable,
	models.CodeInvalidJob:          http.StatusBadRequest,
	models.CodeInvalidAddress:      http.StatusBadRequest,
	models.CodeInvalidNonce:        http.StatusUnauthorized,
	models.CodeInvalidSignature:    http.StatusUnauthorized,
	models.CodeInsufficientFunds:   http.StatusInternalServerError,
	models.CodeTransactionReverted: http.StatusInternalServerError,
}

func errorBody(message, code string) gin.H {
	return gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	}
}

// writeError maps a service error to its response. Errors without a domain code are logged
// and hidden behind a generic 500.
func (s *HTTPServer) writeError(c *gin.Context, err error) {
	var domainErr *models.Error
	if errors.As(err, &domainErr) {
		status, ok := statusByCode[domainErr.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		if status >= http.StatusInternalServerError {
			_ = c.Error(err)
		}
		c.JSON(status, errorBody(domainErr.Message, string(domainErr.Code)))
		return
	}

	_ = c.Error(err)
	s.logger.Error("Request failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, errorBody("internal server error", "INTERNAL"))
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorBody(message, "INVALID_REQUEST"))
}
