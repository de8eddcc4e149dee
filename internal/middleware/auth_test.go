package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callorchestrator-backend/pkg/jwt"
)

type stubRevocation struct {
	revoked bool
	err     error
}

func (s stubRevocation) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	return s.revoked, s.err
}

func newAuthRouter(manager *jwt.JWTManager, checker RevocationChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(manager, checker))
	r.GET("/whoami", func(c *gin.Context) {
		userID, _ := c.Get("user_id")
		c.String(http.StatusOK, userID.(uuid.UUID).String())
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-key-for-testing-purposes", "callorchestrator-api")
	userID := uuid.New()
	token, err := manager.GenerateAccessToken(userID, "alice", "user", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		checker RevocationChecker
		header  string
		query   string
		upgrade bool
		status  int
	}{
		{"valid bearer", nil, "Bearer " + token, "", false, http.StatusOK},
		{"missing header", nil, "", "", false, http.StatusUnauthorized},
		{"wrong scheme", nil, "Basic " + token, "", false, http.StatusUnauthorized},
		{"garbage token", nil, "Bearer nope", "", false, http.StatusUnauthorized},
		{"revoked", stubRevocation{revoked: true}, "Bearer " + token, "", false, http.StatusUnauthorized},
		{"revocation store down fails open", stubRevocation{err: fmt.Errorf("redis down")}, "Bearer " + token, "", false, http.StatusOK},
		{"websocket query token", nil, "", token, true, http.StatusOK},
		{"query token ignored without upgrade", nil, "", token, false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newAuthRouter(manager, tt.checker)
			target := "/whoami"
			if tt.query != "" {
				target += "?access_token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				req.Header.Set("Upgrade", "websocket")
			}
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, userID.String(), w.Body.String())
			}
		})
	}
}
