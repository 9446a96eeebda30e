package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
)

// RoleAdmin grants access to operator endpoints and bypasses ownership checks.
const RoleAdmin = "admin"

// Claims are the bearer token claims. Subject is the caller identity.
type Claims struct {
	Wallet string `json:"wallet"`
	Role   string `json:"role,omitempty"`

	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	ID     string
	Wallet string
	Role   string
}

// Admin reports whether p holds the admin role.
func (p Principal) Admin() bool { return p.Role == RoleAdmin }

// Authenticator signs and verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(secret, issuer string, clk clock.Clock) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, clock: clk}
}

// Sign issues a token for p valid for ttl.
func (a *Authenticator) Sign(p Principal, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		Wallet: strings.ToLower(p.Wallet),
		Role:   p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses token and returns its principal.
func (a *Authenticator) Verify(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ID: c.Subject, Wallet: c.Wallet, Role: c.Role}, nil
}

const principalKey = "principal"

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		p, err := a.Verify(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// requireAdmin must run after Middleware.
func requireAdmin(c *gin.Context) {
	if !principal(c).Admin() {
		abort(c, http.StatusForbidden, "FORBIDDEN", "admin role required")
		return
	}
	c.Next()
}

func principal(c *gin.Context) Principal {
	p, _ := c.MustGet(principalKey).(Principal)
	return p
}
