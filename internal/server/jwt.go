package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ─── JWT control-plane auth ───────────────────────────────────────────────────

const jwtIssuer = "talonscope"

// Claims is the payload embedded in every JWT issued by /api/auth/login.
type Claims struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWT signs and verifies operator session tokens with HS256.
type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWT returns a signer for secret whose tokens live for ttl.
func NewJWT(secret string, ttl time.Duration) *JWT {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWT{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Generate returns a signed token for username and its expiry.
func (j *JWT) Generate(username, email string) (string, time.Time, error) {
	now := j.now()
	exp := now.Add(j.ttl)
	claims := Claims{
		Username: username,
		Email:    email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	return signed, exp, err
}

// Parse validates tokenStr and returns its claims.
func (j *JWT) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return j.secret, nil
	}, jwt.WithIssuer(jwtIssuer), jwt.WithTimeFunc(j.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Middleware validates "Authorization: Bearer <jwt>". When allowQuery is set
// the token may instead arrive as the access_token query parameter, for
// browser websocket clients that cannot set headers. On success the
// username is stored in the context as "username".
func (j *JWT) Middleware(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ""
		if h := c.GetHeader("Authorization"); h != "" {
			parts := strings.SplitN(h, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				abort(c, http.StatusUnauthorized, "invalid Authorization format, expected: Bearer <token>")
				return
			}
			raw = strings.TrimSpace(parts[1])
		} else if allowQuery {
			raw = c.Query("access_token")
		}
		if raw == "" {
			abort(c, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		claims, err := j.Parse(raw)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}
