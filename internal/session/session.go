package session

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/radhub-qip/radhub/internal/errors"
)

// CookieName is the session cookie carrying the rater token.
const CookieName = "rad_session"

// TokenTTL bounds a vetting session. Radiologists unlock once per
// on-call stretch; the short window limits what a leaked cookie is
// worth on a shared workstation.
const TokenTTL = 30 * time.Minute

// Service issues and validates rater session tokens. Access to the
// vetting surface is gated by a shared department code rather than
// per-user accounts.
type Service struct {
	secret     []byte
	unlockCode string
}

// NewService creates a session service.
func NewService(secret, unlockCode string) *Service {
	return &Service{
		secret:     []byte(secret),
		unlockCode: unlockCode,
	}
}

// Unlock checks the shared code and returns a fresh session token.
func (s *Service) Unlock(code string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(code), []byte(s.unlockCode)) != 1 {
		return "", apperrors.NewUnauthorizedError("incorrect code")
	}
	return s.generateToken()
}

func (s *Service) generateToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"role": "rater",
		"exp":  now.Add(TokenTTL).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken checks a session token's signature and expiry.
func (s *Service) ValidateToken(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid token")
	}
	if role, _ := claims["role"].(string); role != "rater" {
		return fmt.Errorf("unexpected role in token")
	}
	return nil
}

// SetCookie attaches the session cookie to the response.
func (s *Service) SetCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, token, int(TokenTTL.Seconds()), "/", "", false, true)
}

// RequireRater is middleware gating the vetting surface behind a valid
// session cookie.
func (s *Service) RequireRater() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(CookieName)
		if err != nil || token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
			c.Abort()
			return
		}

		if err := s.ValidateToken(token); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			c.Abort()
			return
		}

		c.Next()
	}
}
