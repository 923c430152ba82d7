package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Richard1990h/KING-V3-sub001/internal/auth"
)

type stubResolver struct {
	err error
}

func (s stubResolver) Resolve(_ context.Context, principal string) (*auth.Identity, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &auth.Identity{ID: principal, PlanTier: "pro"}, nil
}

func setupAuthTestRouter(tokens *auth.JWTService, resolver IdentityResolver) *gin.Engine {
	router := gin.New()
	router.Use(RequireAuth(tokens, resolver, nil))
	router.GET("/protected", func(c *gin.Context) {
		ident := IdentityFrom(c)
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c), "plan": ident.PlanTier})
	})
	return router
}

func TestRequireAuth(t *testing.T) {
	tokens := auth.NewJWTService("test-secret-key-for-auth-middleware", "forge", time.Hour)
	validToken, _, err := tokens.GenerateToken("user-1", "pro")
	require.NoError(t, err)

	otherTokens := auth.NewJWTService("a-different-secret", "forge", time.Hour)
	foreignToken, _, err := otherTokens.GenerateToken("user-1", "pro")
	require.NoError(t, err)

	tests := []struct {
		name           string
		authHeader     string
		query          string
		expectedStatus int
		expectedCode   string
	}{
		{name: "valid token", authHeader: "Bearer " + validToken, expectedStatus: http.StatusOK},
		{name: "token in query", query: "?access_token=" + validToken, expectedStatus: http.StatusOK},
		{name: "missing header", expectedStatus: http.StatusUnauthorized, expectedCode: "AUTH_HEADER_MISSING"},
		{name: "wrong scheme", authHeader: "Basic " + validToken, expectedStatus: http.StatusUnauthorized, expectedCode: "AUTH_HEADER_MISSING"},
		{name: "garbage token", authHeader: "Bearer not.a.token", expectedStatus: http.StatusUnauthorized, expectedCode: "INVALID_TOKEN"},
		{name: "foreign signature", authHeader: "Bearer " + foreignToken, expectedStatus: http.StatusUnauthorized, expectedCode: "INVALID_TOKEN"},
	}

	router := setupAuthTestRouter(tokens, stubResolver{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/protected"+tt.query, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedCode != "" {
				var body ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, tt.expectedCode, body.ErrorCode)
				return
			}
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "user-1", body["user_id"])
			assert.Equal(t, "pro", body["plan"])
		})
	}
}

func TestRequireAuthResolverFailure(t *testing.T) {
	tokens := auth.NewJWTService("secret", "forge", time.Hour)
	token, _, err := tokens.GenerateToken("user-1", "")
	require.NoError(t, err)

	router := setupAuthTestRouter(tokens, stubResolver{err: errors.New("db down")})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "IDENTITY_UNAVAILABLE")
}

func TestIdentityFromEmptyContext(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, IdentityFrom(c))
	assert.Empty(t, UserID(c))
}

func BenchmarkRequireAuth(b *testing.B) {
	tokens := auth.NewJWTService("bench-secret", "forge", time.Hour)
	token, _, _ := tokens.GenerateToken("user-1", "pro")
	router := setupAuthTestRouter(tokens, stubResolver{})

	req, _ := http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
