package http_api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedata/checkpay/internal/auth"
	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/internal/queue"
	"github.com/dedata/checkpay/pkg/logger"
)

const secret = "test-secret"

type fakeCheckIns struct {
	models.CheckInService

	checkIn   func(userID string) (*models.CheckInOutcome, error)
	verify    func(userID, orderID string) (*models.VerifyOutcome, error)
	retry     func(payoutID, userID string) (*models.TokenPayout, error)
	adminUsed bool
}

func (f *fakeCheckIns) CheckIn(_ context.Context, userID string) (*models.CheckInOutcome, error) {
	return f.checkIn(userID)
}

func (f *fakeCheckIns) VerifyPayment(_ context.Context, userID, orderID string) (*models.VerifyOutcome, error) {
	return f.verify(userID, orderID)
}

func (f *fakeCheckIns) RetryPayout(_ context.Context, payoutID, userID string) (*models.TokenPayout, error) {
	return f.retry(payoutID, userID)
}

func (f *fakeCheckIns) AdminRetryPayout(_ context.Context, payoutID string) (*models.TokenPayout, error) {
	f.adminUsed = true
	return f.retry(payoutID, "")
}

func (f *fakeCheckIns) ListCheckIns(_ context.Context, userID string, page, pageSize int) (*models.CheckInPage, error) {
	return &models.CheckInPage{Items: []*models.CheckInView{}, Page: page, PageSize: pageSize}, nil
}

type fakeAuth struct {
	signIn func(req models.SignInRequest) (*models.Session, error)
}

func (f *fakeAuth) Nonce(_ context.Context, walletAddress string) (*models.LoginChallenge, error) {
	if len(walletAddress) != 42 {
		return nil, models.ErrInvalidAddress
	}
	return &models.LoginChallenge{
		Nonce:         "abc123",
		WalletAddress: walletAddress,
		Message:       auth.SignInMessage("abc123"),
		ExpiresAt:     time.Now().Add(5 * time.Minute),
	}, nil
}

func (f *fakeAuth) SignIn(_ context.Context, req models.SignInRequest) (*models.Session, error) {
	return f.signIn(req)
}

type fakeNetworks struct {
	doc json.RawMessage
}

func (n fakeNetworks) Networks() json.RawMessage { return n.doc }
func (n fakeNetworks) UpdatedAt() int64          { return 1700000000 }

type testServer struct {
	srv      *HTTPServer
	checkins *fakeCheckIns
	auth     *fakeAuth
	queue    *queue.RedisQueue
}

func newTestServer(t *testing.T, networks json.RawMessage, health map[string]HealthCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := queue.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisQueue(client, "", 10*time.Millisecond, logger.NewNop())

	checkins := &fakeCheckIns{}
	signIn := &fakeAuth{}
	srv := NewHTTPServer(checkins, signIn, q, fakeNetworks{doc: networks}, health, Options{
		JWTSecret:      secret,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		Development:    true,
	}, logger.NewNop())
	return &testServer{srv: srv, checkins: checkins, auth: signIn, queue: q}
}

func token(t *testing.T, userID string, role models.UserRole, key string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		UserID: userID,
		DID:    "did:pkh:eip155:137:0xabc",
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func (ts *testServer) do(t *testing.T, method, path, bearer, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	}
	return rec, decoded
}

func TestCheckInResponses(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	user := token(t, "u1", models.UserRoleUser, secret)

	ts.checkins.checkIn = func(userID string) (*models.CheckInOutcome, error) {
		assert.Equal(t, "u1", userID)
		return &models.CheckInOutcome{
			CheckIn: &models.CheckIn{ID: "c1", Status: models.CheckInStatusPending},
			Payout:  &models.TokenPayout{ID: "p1", Status: models.PayoutStatusQueued},
		}, nil
	}
	rec, body := ts.do(t, http.MethodPost, "/api/v1/checkin", user, "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, body["success"])

	ts.checkins.checkIn = func(string) (*models.CheckInOutcome, error) {
		return &models.CheckInOutcome{AlreadyCheckedIn: true}, nil
	}
	rec, body = ts.do(t, http.MethodPost, "/api/v1/checkin", user, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["alreadyCheckedIn"])

	ts.checkins.checkIn = func(string) (*models.CheckInOutcome, error) {
		return &models.CheckInOutcome{Challenge: &models.X402Challenge{OrderID: "o1", PriceAmount: "0.01"}}, nil
	}
	rec, body = ts.do(t, http.MethodPost, "/api/v1/checkin", user, "")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	challenge := body["l402_challenge"].(map[string]interface{})
	assert.Equal(t, "o1", challenge["order_id"])
	policy := body["verify_policy"].(map[string]interface{})
	assert.Equal(t, float64(3), policy["attempts"])
	assert.Equal(t, float64(30), policy["interval_seconds"])
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	user := token(t, "u1", models.UserRoleUser, secret)

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{models.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{models.ErrUserInactive, http.StatusForbidden, "USER_INACTIVE"},
		{models.ErrUserNotFound, http.StatusNotFound, "USER_NOT_FOUND"},
		{models.ErrPaymentUnavailable.Wrap(errors.New("dial tcp")), http.StatusServiceUnavailable, "PAYMENT_UNAVAILABLE"},
		{errors.New("connection refused"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ts.checkins.checkIn = func(string) (*models.CheckInOutcome, error) { return nil, tt.err }
			rec, body := ts.do(t, http.MethodPost, "/api/v1/checkin", user, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["error"])
			assert.NotContains(t, body["error"], "connection refused", "internal errors are not leaked")
		})
	}
}

func TestVerifyPayment(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	user := token(t, "u1", models.UserRoleUser, secret)

	rec, _ := ts.do(t, http.MethodPost, "/api/v1/checkin/verify", user, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.checkins.verify = func(userID, orderID string) (*models.VerifyOutcome, error) {
		assert.Equal(t, "o1", orderID)
		return &models.VerifyOutcome{Success: false, Reason: models.ReasonPendingConfirmation}, nil
	}
	rec, body := ts.do(t, http.MethodPost, "/api/v1/checkin/verify", user, `{"order_id":"o1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, models.ReasonPendingConfirmation, body["reason"])

	ts.checkins.verify = func(string, string) (*models.VerifyOutcome, error) {
		return nil, models.ErrChallengeNotFound
	}
	rec, body = ts.do(t, http.MethodPost, "/api/v1/checkin/verify", user, `{"order_id":"o2"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "CHALLENGE_NOT_FOUND", body["code"])
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec, body := ts.do(t, http.MethodPost, "/api/v1/checkin", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", body["code"])

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/checkin", token(t, "u1", models.UserRoleUser, "other-secret"), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	rec, _ = ts.do(t, http.MethodPost, "/api/v1/checkin", expired, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignInRoutes(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	wallet := "0x" + strings.Repeat("ab", 20)

	rec, body := ts.do(t, http.MethodPost, "/api/v1/auth/nonce", "", `{"wallet_address":"`+wallet+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "abc123", data["nonce"])
	assert.Contains(t, data["message"], "Nonce: abc123")

	rec, body = ts.do(t, http.MethodPost, "/api/v1/auth/nonce", "", `{"wallet_address":"0x12"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(models.CodeInvalidAddress), body["code"])

	user := &models.User{ID: uuid.NewString(), DID: "did:pkh:eip155:137:" + wallet, WalletAddress: wallet, Role: models.UserRoleUser}
	ts.auth.signIn = func(req models.SignInRequest) (*models.Session, error) {
		assert.Equal(t, wallet, req.WalletAddress)
		assert.Equal(t, "abc123", req.Nonce)
		assert.EqualValues(t, 137, req.ChainID)
		signed, expiresAt, err := auth.IssueToken([]byte(secret), user, time.Hour, time.Now())
		require.NoError(t, err)
		return &models.Session{Token: signed, ExpiresAt: expiresAt, User: user, Created: true}, nil
	}
	rec, body = ts.do(t, http.MethodPost, "/api/v1/auth/verify", "",
		`{"wallet_address":"`+wallet+`","nonce":"abc123","signature":"0xdead","chain_id":137}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, true, data["created"])
	session := data["token"].(string)

	// the issued token opens the authenticated routes
	rec, _ = ts.do(t, http.MethodGet, "/api/v1/checkins", session, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.auth.signIn = func(models.SignInRequest) (*models.Session, error) {
		return nil, models.ErrInvalidNonce.WithDetail("nonce has expired")
	}
	rec, body = ts.do(t, http.MethodPost, "/api/v1/auth/verify", "",
		`{"wallet_address":"`+wallet+`","nonce":"abc123","signature":"0xdead"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(models.CodeInvalidNonce), body["code"])

	ts.auth.signIn = func(models.SignInRequest) (*models.Session, error) { return nil, models.ErrInvalidSignature }
	rec, body = ts.do(t, http.MethodPost, "/api/v1/auth/verify", "",
		`{"wallet_address":"`+wallet+`","nonce":"abc123","signature":"0xdead"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(models.CodeInvalidSignature), body["code"])

	rec, body = ts.do(t, http.MethodPost, "/api/v1/auth/verify", "", `{"wallet_address":"`+wallet+`","nonce":"abc123"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestRetryRoutes(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	user := token(t, "u1", models.UserRoleUser, secret)
	admin := token(t, "a1", models.UserRoleAdmin, secret)
	id := uuid.NewString()

	ts.checkins.retry = func(payoutID, userID string) (*models.TokenPayout, error) {
		return &models.TokenPayout{ID: payoutID, Status: models.PayoutStatusQueued, RetryCount: 1}, nil
	}
	rec, body := ts.do(t, http.MethodPost, "/api/v1/payouts/"+id+"/retry", user, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, id, body["payout"].(map[string]interface{})["id"])

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/payouts/not-a-uuid/retry", user, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.checkins.retry = func(string, string) (*models.TokenPayout, error) { return nil, models.ErrRetryLimitExceeded }
	rec, body = ts.do(t, http.MethodPost, "/api/v1/payouts/"+id+"/retry", user, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RETRY_LIMIT_EXCEEDED", body["code"])

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/admin/payouts/"+id+"/retry", user, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, ts.checkins.adminUsed)

	ts.checkins.retry = func(payoutID, _ string) (*models.TokenPayout, error) {
		return &models.TokenPayout{ID: payoutID, Status: models.PayoutStatusQueued}, nil
	}
	rec, _ = ts.do(t, http.MethodPost, "/api/v1/admin/payouts/"+id+"/retry", admin, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, ts.checkins.adminUsed)
}

func TestAdminQueueViews(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	admin := token(t, "a1", models.UserRoleAdmin, secret)
	ctx := context.Background()

	job := models.PayoutJob{PayoutID: "p1", DID: "did:pkh:eip155:137:0xabc", Amount: "1", Timestamp: 1}
	require.NoError(t, ts.queue.Enqueue(ctx, job))
	require.NoError(t, ts.queue.Enqueue(ctx, job))
	d, err := ts.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, ts.queue.MarkAsFailed(ctx, d, "insufficient funds"))

	rec, body := ts.do(t, http.MethodGet, "/api/v1/admin/queue", admin, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	stats := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["pending"])
	assert.Equal(t, float64(1), stats["failed"])

	rec, body = ts.do(t, http.MethodGet, "/api/v1/admin/payouts/failed?limit=10", admin, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	failed := body["data"].([]interface{})
	require.Len(t, failed, 1)
	assert.Equal(t, "insufficient funds", failed[0].(map[string]interface{})["error"])

	rec, _ = ts.do(t, http.MethodGet, "/api/v1/admin/payouts/failed?limit=0", admin, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCheckInsPaging(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	user := token(t, "u1", models.UserRoleUser, secret)

	rec, body := ts.do(t, http.MethodGet, "/api/v1/checkins?page=2&page_size=5", user, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	page := body["data"].(map[string]interface{})
	assert.Equal(t, float64(2), page["page"])
	assert.Equal(t, float64(5), page["page_size"])
}

func TestNetworks(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec, body := ts.do(t, http.MethodGet, "/api/v1/networks", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "PAYMENT_UNAVAILABLE", body["code"])

	ts = newTestServer(t, json.RawMessage(`[{"name":"polygon"}]`), nil)
	rec, body = ts.do(t, http.MethodGet, "/api/v1/networks", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "polygon", body["data"].([]interface{})[0].(map[string]interface{})["name"])
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("down") },
	})
	rec, body := ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, "down", checks["redis"])
}

func TestRateLimit(t *testing.T) {
	l := newIPRateLimiter(1, 2)
	assert.True(t, l.allow("1.2.3.4"))
	assert.True(t, l.allow("1.2.3.4"))
	assert.False(t, l.allow("1.2.3.4"))
	assert.True(t, l.allow("5.6.7.8"), "buckets are per client")

	l.idle = 0
	l.cleanup()
	assert.Empty(t, l.visitors)
}
