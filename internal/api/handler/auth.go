package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "senvo-service"
	// sessionKey is the gin context key holding the caller's session id.
	sessionKey = "sid"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Tokens signs and checks session tokens. A token only carries an
// ephemeral session id; there are no accounts.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for sessionID and its expiry.
func (t *Tokens) Issue(sessionID string) (string, time.Time, error) {
	exp := t.now().Add(t.ttl)
	claims := jwt.MapClaims{
		"sid": sessionID,
		"exp": exp.Unix(),
		"iat": t.now().Unix(),
		"iss": tokenIssuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse validates a token and returns its session id.
func (t *Tokens) Parse(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sid, _ := claims["sid"].(string)
	if sid == "" {
		return "", ErrInvalidToken
	}
	return sid, nil
}

// CreateSession mints a fresh session id and its token.
func (h *Handler) CreateSession(c *gin.Context) {
	sid := uuid.New().String()

	token, exp, err := h.Tokens.Issue(sid)
	if err != nil {
		h.logger.Error("signing session token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "session_id": sid, "expires_at": exp})
}

// RequireSession rejects requests without a valid token. Browsers cannot
// set headers on a WebSocket handshake, so the token may also come as the
// token query parameter.
func (h *Handler) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			tokenString = strings.TrimPrefix(auth, "Bearer ")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
			return
		}

		sid, err := h.Tokens.Parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
			return
		}
		c.Set(sessionKey, sid)
		c.Next()
	}
}

func sessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}
