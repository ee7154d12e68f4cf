package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mobilebarber/support-rtc/internal/protocol"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestParseToken(t *testing.T) {
	claims := &Claims{
		UserID: "client-1",
		Role:   protocol.RoleClient,
		Name:   "Jordan",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	t.Run("round trip", func(t *testing.T) {
		got, err := ParseToken(signToken(t, testSecret, claims), testSecret)
		if err != nil {
			t.Fatalf("ParseToken: %v", err)
		}
		if got.UserID != "client-1" || got.Role != protocol.RoleClient || got.Name != "Jordan" {
			t.Errorf("claims = %+v", got)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if _, err := ParseToken(signToken(t, "other-secret", claims), testSecret); err == nil {
			t.Error("token signed with wrong secret accepted")
		}
	})

	t.Run("expired", func(t *testing.T) {
		expired := &Claims{
			UserID: "client-1",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}
		if _, err := ParseToken(signToken(t, testSecret, expired), testSecret); err == nil {
			t.Error("expired token accepted")
		}
	})
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", JWTAuth(testSecret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id": c.GetString("user_id"),
			"role":    c.GetString("role"),
		})
	})

	token := signToken(t, testSecret, &Claims{
		UserID: "admin",
		Role:   protocol.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid bearer token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "Token " + token, http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
