package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAuthenticateHeaderAndQuery(t *testing.T) {
	auth := NewAuthenticator(testSecret)
	token := staffToken(t, testTenantID)

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/sunrise/queue", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	claims, err := auth.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate header: %v", err)
	}
	if claims.TenantID != testTenantID || claims.Subject != "reception-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	req = httptest.NewRequest(http.MethodGet, "/realtime/info?token="+token, nil)
	if _, err := auth.Authenticate(req); err != nil {
		t.Fatalf("authenticate query: %v", err)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	auth := NewAuthenticator(testSecret)

	expired, err := auth.Sign(testTenantID, "reception-1", -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	wrongKey, err := NewAuthenticator("other-secret").Sign(testTenantID, "reception-1", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	noTenant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{TenantID: testTenantID}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := map[string]string{
		"missing":   "",
		"garbage":   "abc.def.ghi",
		"expired":   expired,
		"wrong key": wrongKey,
		"no tenant": noTenant,
		"wrong alg": wrongAlg,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/tenants/sunrise/queue", nil)
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			if _, err := auth.Authenticate(req); err == nil {
				t.Fatalf("expected authentication to fail")
			}
		})
	}
}

func TestEmptySecretRejectsEverything(t *testing.T) {
	auth := NewAuthenticator("")
	if _, err := auth.Sign(testTenantID, "x", time.Hour); err == nil {
		t.Fatalf("expected sign to fail without a secret")
	}
	if _, err := auth.Parse(staffToken(t, testTenantID)); err == nil {
		t.Fatalf("expected parse to fail without a secret")
	}
}
