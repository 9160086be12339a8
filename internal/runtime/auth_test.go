package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quantgov/config"
)

var testSecret = []byte("test-secret")

func TestSignAndParseJWT(t *testing.T) {
	tok, err := SignJWT(Principal{AgentID: "agent-cro", Role: "cro", Team: "risk"}, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := ParseJWT(tok, testSecret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.AgentID != "agent-cro" || p.Role != "cro" || p.Team != "risk" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if _, err := ParseJWT(tok, []byte("other")); err == nil {
		t.Fatalf("expected signature mismatch")
	}
	expired, _ := SignJWT(Principal{AgentID: "a"}, testSecret, -time.Minute)
	if _, err := ParseJWT(expired, testSecret); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestEchoAuthMiddleware(t *testing.T) {
	e := echo.New()
	handler := EchoAuthMiddleware(testSecret)(RequireRoles("cro")(func(c echo.Context) error {
		p, ok := PrincipalFromContext(c.Request().Context())
		if !ok {
			t.Fatalf("principal missing")
		}
		return c.String(http.StatusOK, p.AgentID)
	}))

	cases := []struct {
		name string
		p    *Principal
		want int
	}{
		{"no token", nil, http.StatusUnauthorized},
		{"wrong role", &Principal{AgentID: "agent-x", Role: "analyst"}, http.StatusForbidden},
		{"allowed", &Principal{AgentID: "agent-cro", Role: "cro"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.p != nil {
				tok, err := SignJWT(*tc.p, testSecret, time.Minute)
				if err != nil {
					t.Fatalf("sign: %v", err)
				}
				req.Header.Set("Authorization", "Bearer "+tok)
			}
			rec := httptest.NewRecorder()
			err := handler(e.NewContext(req, rec))
			code := rec.Code
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			if code != tc.want {
				t.Fatalf("status = %d, want %d", code, tc.want)
			}
		})
	}
}

func TestLoadJWTSecret(t *testing.T) {
	if _, err := LoadJWTSecret(&config.Config{}); err == nil {
		t.Fatalf("expected missing secret error")
	}
	got, err := LoadJWTSecret(&config.Config{Server: config.ServerConfig{JWTSecret: "s"}})
	if err != nil || string(got) != "s" {
		t.Fatalf("unexpected secret %q, %v", got, err)
	}
}
