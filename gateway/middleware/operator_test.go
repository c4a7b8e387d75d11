package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestOperatorAuthScopes(t *testing.T) {
	auth := NewOperatorAuth(OperatorAuthConfig{Enabled: true, HMACSecret: "s3cret", Issuer: "ops"}, nil)
	handler := auth.Middleware("escrow:audit")(okHandler())
	exp := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", jwt.MapClaims{"iss": "ops", "exp": exp, "scope": "escrow:audit"}), "", http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "x", "exp": exp, "scope": "escrow:audit"}), "", http.StatusUnauthorized},
		{"no expiry", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "ops", "scope": "escrow:audit"}), "", http.StatusUnauthorized},
		{"missing scope", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "ops", "exp": exp, "scope": "escrow:read"}), "", http.StatusForbidden},
		{"ok", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "ops", "exp": exp, "scope": "escrow:read escrow:audit"}), "", http.StatusOK},
		{"ok via query", "", signToken(t, "s3cret", jwt.MapClaims{"iss": "ops", "exp": exp, "scope": []interface{}{"escrow:audit"}}), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/v1/escrows/ab/events"
			if tc.query != "" {
				target += "?access_token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, res.Code, res.Body.String())
			}
		})
	}
}

func TestOperatorAuthDisabledPassesThrough(t *testing.T) {
	handler := NewOperatorAuth(OperatorAuthConfig{}, nil).Middleware("escrow:audit")(okHandler())
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", res.Code)
	}
}
