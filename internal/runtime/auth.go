package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quantgov/config"
)

// Principal is the authenticated agent behind a request. Its ID is the
// actor recorded on every decision, vote and ledger entry.
type Principal struct {
	AgentID string
	Role    string
	Team    string
}

// Claims is the token body issued to agents.
type Claims struct {
	Role string `json:"role,omitempty"`
	Team string `json:"team,omitempty"`
	jwt.RegisteredClaims
}

// LoadJWTSecret resolves the shared signing secret.
func LoadJWTSecret(cfg *config.Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Server.JWTSecret) == "" {
		return nil, errors.New("jwt secret not configured (server.jwt_secret)")
	}
	return []byte(cfg.Server.JWTSecret), nil
}

// SignJWT issues an HS256 token for an agent.
func SignJWT(p Principal, secret []byte, ttl time.Duration) (string, error) {
	if p.AgentID == "" {
		return "", errors.New("agent id required")
	}
	now := time.Now()
	claims := Claims{
		Role: p.Role,
		Team: p.Team,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.AgentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseJWT validates a token and returns its principal.
func ParseJWT(token string, secret []byte) (Principal, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{AgentID: claims.Subject, Role: claims.Role, Team: claims.Team}, nil
}

// EchoAuthMiddleware rejects requests without a valid bearer token and
// stores the principal on the request context.
func EchoAuthMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			p, err := ParseJWT(tok, secret)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set("agent_id", p.AgentID)
			c.SetRequest(c.Request().WithContext(ContextWithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	}
}

// RequireRoles admits only principals holding one of the roles.
func RequireRoles(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			allowed[r] = struct{}{}
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(allowed) == 0 {
				return next(c)
			}
			p, ok := PrincipalFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			if _, ok := allowed[p.Role]; !ok {
				return echo.NewHTTPError(http.StatusForbidden, "role not permitted: "+p.Role)
			}
			return next(c)
		}
	}
}

func extractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type principalKey struct{}

// ContextWithPrincipal attaches p to ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by the middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.AgentID != ""
}
