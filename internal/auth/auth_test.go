package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewJWTService("test-secret", "forge", time.Hour)

	token, expiresAt, err := svc.GenerateToken("user-42", "pro")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Principal())
	assert.Equal(t, "pro", claims.Plan)
	assert.Equal(t, "forge", claims.Issuer)
}

func TestGenerateToken_RequiresPrincipal(t *testing.T) {
	svc := NewJWTService("test-secret", "forge", time.Hour)
	_, _, err := svc.GenerateToken("", "free")
	assert.Error(t, err)
}

func TestValidateToken(t *testing.T) {
	svc := NewJWTService("test-secret", "forge", time.Hour)
	valid, _, err := svc.GenerateToken("user-1", "")
	require.NoError(t, err)

	expired := NewJWTService("test-secret", "forge", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expiredToken, _, err := expired.GenerateToken("user-1", "")
	require.NoError(t, err)

	otherSecret := NewJWTService("other-secret", "forge", time.Hour)
	forged, _, err := otherSecret.GenerateToken("user-1", "")
	require.NoError(t, err)

	otherIssuer := NewJWTService("test-secret", "someone-else", time.Hour)
	foreign, _, err := otherIssuer.GenerateToken("user-1", "")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "forge"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"valid", valid, nil},
		{"expired", expiredToken, ErrTokenExpired},
		{"wrong secret", forged, ErrInvalidToken},
		{"wrong issuer", foreign, ErrInvalidToken},
		{"alg none", none, ErrInvalidToken},
		{"garbage", "not-a-token", ErrInvalidToken},
		{"empty", "", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.ValidateToken(tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.Subject)
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def", "abc.def", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := BearerToken(tt.header)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrMissingToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdentityAPIKey(t *testing.T) {
	id := &Identity{ID: "u1", APIKeyOverrides: map[string]string{"claude": "sk-own"}}
	assert.Equal(t, "sk-own", id.APIKey("Claude"))
	assert.True(t, id.HasOwnKey("claude"))
	assert.False(t, id.HasOwnKey("openai"))

	var nilID *Identity
	assert.Empty(t, nilID.APIKey("claude"))
}
