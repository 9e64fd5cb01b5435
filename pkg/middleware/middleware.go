package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-auction/pkg/response"
	"golang.org/x/time/rate"
)

const (
	// PermissionBid marks tokens allowed to place bids.
	PermissionBid = "bid"
	// PermissionInternal marks tokens issued to lot owners and operators.
	PermissionInternal = "internal"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	bidLimit  = rate.Limit(300.0 / 60.0)  // 300 requests per minute
	readLimit = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(path string) (rate.Limit, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit, 1
	case strings.HasSuffix(path, "/bids"):
		return bidLimit, 10
	case strings.HasPrefix(path, "/api/v1/auctions"):
		return readLimit, 20
	default:
		return rate.Inf, 1
	}
}

func getLimiter(path, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + path
	v, exists := visitors[key]

	if !exists {
		limit, burst := limitFor(path)
		v = &visitor{
			limiter:  rate.NewLimiter(limit, burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles per client IP. Claimant-scoped routes are skipped here
// and limited by JWTAuth once the claimant is known.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if claimantScoped(path) {
			c.Next()
			return
		}

		if !allow(c, path, c.ClientIP()) {
			return
		}
		c.Next()
	}
}

// claimantScoped reports whether path is rate limited per claimant.
func claimantScoped(path string) bool {
	return strings.HasSuffix(path, "/bids")
}

func allow(c *gin.Context, path, clientKey string) bool {
	if !getLimiter(path, clientKey).Allow() {
		response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
		c.Abort()
		return false
	}
	return true
}

// JWTAuth authenticates bidding claimants. The token must carry the bid
// permission; the claimant id is stored in the context under "claimantID" and
// claimant-scoped routes are rate limited per claimant.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := validateAndExtractClaims(c, secret)
		if err != nil {
			return
		}

		if !hasPermission(claims, PermissionBid) {
			response.Forbidden(c, "Bid permission required")
			c.Abort()
			return
		}

		// Set individual claims in the context
		for key, value := range claims {
			c.Set(key, value)
		}
		c.Set("claims", claims)
		claimantID := claims["claimant_id"].(string)
		c.Set("claimantID", claimantID)

		if path := c.FullPath(); claimantScoped(path) && !allow(c, path, claimantID) {
			return
		}

		c.Next()
	}
}

// InternalAuth only admits tokens carrying the internal permission.
func InternalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := validateAndExtractClaims(c, secret)
		if err != nil {
			return
		}

		if !hasPermission(claims, PermissionInternal) {
			response.Forbidden(c, "Internal permission required")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("claimantID", claims["claimant_id"])
		c.Next()
	}
}

func hasPermission(claims jwt.MapClaims, permission string) bool {
	granted, ok := claims["permissions"].([]interface{})
	if !ok {
		return false
	}
	for _, p := range granted {
		if p == permission {
			return true
		}
	}
	return false
}

func validateAndExtractClaims(c *gin.Context, secret string) (jwt.MapClaims, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		c.Abort()
		return nil, fmt.Errorf("invalid token claims")
	}

	// Ensure required claims exist
	for _, claim := range []string{"claimant_id", "exp"} {
		if _, exists := claims[claim]; !exists {
			response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
			c.Abort()
			return nil, fmt.Errorf("missing required claim: %s", claim)
		}
	}
	if _, ok := claims["claimant_id"].(string); !ok {
		response.Unauthorized(c, "Invalid claimant ID in token")
		c.Abort()
		return nil, fmt.Errorf("invalid claimant ID in token")
	}

	return claims, nil
}
