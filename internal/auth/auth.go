package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-auction/pkg/middleware"
	"github.com/ksred/klear-auction/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Test credentials
var (
	TestAPIKey    = "test-api-key"
	TestAPISecret = "test-api-secret"

	TestOperatorKey    = "test-operator-key"
	TestOperatorSecret = "test-operator-secret"
)

// PermissionBid is granted to every registered account.
const PermissionBid = middleware.PermissionBid

const tokenLifetime = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClaimantID  string   `json:"claimant_id"`
	Permissions []string `json:"permissions"`
}

type account struct {
	secret      string
	permissions []string
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte
	now       func() time.Time

	mu sync.RWMutex
	// In a real implementation, this would be replaced with a database
	accounts map[string]account // keyed by API key
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
		accounts:  make(map[string]account),
	}
}

// GenerateToken generates a JWT token for valid API credentials.
// The API key doubles as the claimant id recorded on allocations.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	acct, ok := s.validateCredentials(creds)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(tokenLifetime)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClaimantID:  creds.APIKey,
		Permissions: acct.permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (s *Service) validateCredentials(creds Credentials) (account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, exists := s.accounts[creds.APIKey]
	return acct, exists && acct.secret == creds.APISecret
}

// RegisterClaimant registers credentials allowed to bid.
func (s *Service) RegisterClaimant(apiKey, apiSecret string) {
	s.register(apiKey, apiSecret, []string{PermissionBid})
}

// RegisterOperator registers credentials allowed to bid and to manage lots and auctions.
func (s *Service) RegisterOperator(apiKey, apiSecret string) {
	s.register(apiKey, apiSecret, []string{PermissionBid, middleware.PermissionInternal})
}

func (s *Service) register(apiKey, apiSecret string, permissions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[apiKey] = account{secret: apiSecret, permissions: permissions}
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetClaimantID extracts the claimant id from parsed JWT claims.
// Returns empty string if it is missing or not a string.
func GetClaimantID(claims interface{}) string {
	if jwtClaims, ok := claims.(jwt.MapClaims); ok {
		if claimantID, ok := jwtClaims["claimant_id"].(string); ok {
			return claimantID
		}
	}
	return ""
}
