package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer = "mosaicd"

	// operatorKey is the gin context key holding the authenticated operator.
	operatorKey = "operator"
)

// AuthService issues and checks operator bearer tokens.
type AuthService struct {
	jwtSecret []byte
	// isOperator reports whether an address may hold an operator token.
	isOperator func(string) bool
}

// NewAuthService creates a new authentication service
func NewAuthService(jwtSecret []byte, isOperator func(string) bool) *AuthService {
	return &AuthService{jwtSecret: jwtSecret, isOperator: isOperator}
}

// Claims represents JWT claims
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for operator valid for ttl.
func (as *AuthService) GenerateToken(operator string, ttl time.Duration) (string, time.Time, error) {
	if operator == "" {
		return "", time.Time{}, fmt.Errorf("operator address is required")
	}
	if as.isOperator != nil && !as.isOperator(operator) {
		return "", time.Time{}, fmt.Errorf("%s is not a configured operator", operator)
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := &Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(as.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (as *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return as.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	// Operators removed from config lose access even with an unexpired token.
	if as.isOperator != nil && !as.isOperator(claims.Operator) {
		return nil, fmt.Errorf("%s is no longer an operator", claims.Operator)
	}

	return claims, nil
}

// OperatorAuthMiddleware validates operator bearer tokens
func (s *Server) OperatorAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "Authorization header required",
				Code:  "UNAUTHORIZED",
			})
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "Invalid authorization header format",
				Code:  "UNAUTHORIZED",
			})
			return
		}

		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "Invalid or expired token",
				Code:    "UNAUTHORIZED",
				Details: err.Error(),
			})
			return
		}

		c.Set(operatorKey, claims.Operator)
		c.Next()
	}
}
