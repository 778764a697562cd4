package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	subjectContextKey = "Subject"
	adminSubject      = "admin"
	tokenTTL          = 24 * time.Hour
	maxWebhookBody    = 64 << 10
)

var errInvalidClaims = errors.New("invalid token claims")

// OperatorClaims represents JWT claims for the operator.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func generateToken(subject, secret string, now, expiresAt time.Time) (string, error) {
	claims := OperatorClaims{
		Role: adminSubject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims.Subject, nil
	}
	return "", errInvalidClaims
}

// AuthMiddleware enforces JWT auth for mutating routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondAbort(c, http.StatusUnauthorized, "MISSING_TOKEN", "missing Authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			respondAbort(c, http.StatusUnauthorized, "INVALID_AUTH_HEADER", "invalid Authorization header")
			return
		}

		subject, err := parseToken(strings.TrimSpace(parts[1]), secret)
		if err != nil {
			respondAbort(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			return
		}

		c.Set(subjectContextKey, subject)
		c.Next()
	}
}

// WebhookSignature verifies the hex HMAC-SHA256 of the body in X-Signature.
// An empty secret disables the check.
func WebhookSignature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil || len(body) > maxWebhookBody {
			respondAbort(c, http.StatusRequestEntityTooLarge, "INVALID_PAYLOAD", "request body too large or unreadable")
			return
		}
		if !validSignature(secret, body, c.GetHeader("X-Signature")) {
			respondAbort(c, http.StatusUnauthorized, "INVALID_SIGNATURE", "invalid webhook signature")
			return
		}
		c.Set(gin.BodyBytesKey, body)
		c.Next()
	}
}

func validSignature(secret string, body []byte, header string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the X-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// issueToken exchanges the admin key for a bearer token.
func (s *Server) issueToken(c *gin.Context) {
	if s.opts.AdminKey == "" {
		respondError(c, http.StatusServiceUnavailable, "AUTH_DISABLED", "no admin key configured")
		return
	}
	var req struct {
		AdminKey string `json:"admin_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "admin_key is required")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.AdminKey), []byte(s.opts.AdminKey)) != 1 {
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	now := time.Now()
	expiresAt := now.Add(tokenTTL)
	token, err := generateToken(adminSubject, s.opts.JWTSecret, now, expiresAt)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}
