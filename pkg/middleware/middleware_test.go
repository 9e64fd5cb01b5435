package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testSecret = "middleware-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func validClaims(permissions ...interface{}) jwt.MapClaims {
	return jwt.MapClaims{
		"claimant_id": "claimant-1",
		"exp":         time.Now().Add(time.Hour).Unix(),
		"permissions": permissions,
	}
}

func serve(router *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLimitFor(t *testing.T) {
	limit, burst := limitFor("/api/v1/auth/token")
	assert.Equal(t, authLimit, limit)
	assert.Equal(t, 1, burst)

	limit, burst = limitFor("/api/v1/auctions/:auction_id/bids")
	assert.Equal(t, bidLimit, limit)
	assert.Equal(t, 10, burst)

	limit, _ = limitFor("/api/v1/auctions/active")
	assert.Equal(t, readLimit, limit)

	limit, _ = limitFor("/api/v1/lots/:lot_id")
	assert.Equal(t, rate.Inf, limit)
}

func TestRateLimitRejectsAfterBurst(t *testing.T) {
	router := gin.New()
	router.Use(RateLimit())
	router.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/api/v1/auth/token", "").Code)
	w := serve(router, http.MethodPost, "/api/v1/auth/token", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestJWTAuth(t *testing.T) {
	router := gin.New()
	router.GET("/me", JWTAuth(testSecret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("claimantID"))
	})

	w := serve(router, http.MethodGet, "/me", signed(t, validClaims(PermissionBid)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "claimant-1", w.Body.String())

	// A signed token without the bid permission may not bid.
	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodGet, "/me", signed(t, validClaims())).Code)

	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/me", "not-a-jwt").Code)

	noClaimant := validClaims(PermissionBid)
	delete(noClaimant, "claimant_id")
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/me", signed(t, noClaimant)).Code)

	expired := validClaims(PermissionBid)
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/me", signed(t, expired)).Code)
}

func TestInternalAuth(t *testing.T) {
	router := gin.New()
	router.POST("/internal", InternalAuth(testSecret), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusForbidden,
		serve(router, http.MethodPost, "/internal", signed(t, validClaims("bid"))).Code)
	assert.Equal(t, http.StatusNoContent,
		serve(router, http.MethodPost, "/internal", signed(t, validClaims("bid", PermissionInternal))).Code)
}

func TestBidRateLimitIsPerClaimant(t *testing.T) {
	router := gin.New()
	router.Use(RateLimit())
	router.POST("/api/v1/auctions/:auction_id/bids", JWTAuth(testSecret), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})

	tokenFor := func(claimant string) string {
		claims := validClaims(PermissionBid)
		claims["claimant_id"] = claimant
		return signed(t, claims)
	}
	alice := tokenFor("rate-alice")
	bob := tokenFor("rate-bob")

	// Both claimants share one client IP.
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusCreated, serve(router, http.MethodPost, "/api/v1/auctions/A/bids", alice).Code, "alice bid %d", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodPost, "/api/v1/auctions/A/bids", alice).Code)

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusCreated, serve(router, http.MethodPost, "/api/v1/auctions/A/bids", bob).Code, "bob bid %d", i)
	}
}
