// Package auth issues and validates the bearer tokens that carry a caller's
// principal, and defines the resolved Identity the pipeline works with.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

// Identity is a resolved caller: who they are, which plan they are on and
// the provider keys they brought themselves.
type Identity struct {
	ID              string            `json:"id"`
	PlanTier        string            `json:"plan_tier"`
	APIKeyOverrides map[string]string `json:"-"`
}

// APIKey returns the caller's own key for provider, if any
func (i *Identity) APIKey(provider string) string {
	if i == nil || i.APIKeyOverrides == nil {
		return ""
	}
	return i.APIKeyOverrides[strings.ToLower(provider)]
}

// HasOwnKey reports whether the caller supplied any provider key. Work done
// with the caller's own key is not charged.
func (i *Identity) HasOwnKey(provider string) bool {
	return i.APIKey(provider) != ""
}

// Claims are the token claims. The principal travels as the subject.
type Claims struct {
	Plan string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

// Principal returns the token subject
func (c *Claims) Principal() string {
	return c.Subject
}

// JWTService signs and validates HS256 tokens
type JWTService struct {
	secretKey []byte
	issuer    string
	expiry    time.Duration
	now       func() time.Time
}

func NewJWTService(secretKey, issuer string, expiry time.Duration) *JWTService {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &JWTService{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		expiry:    expiry,
		now:       time.Now,
	}
}

// GenerateToken creates an access token for principal
func (j *JWTService) GenerateToken(principal, plan string) (string, time.Time, error) {
	if principal == "" {
		return "", time.Time{}, errors.New("principal is required")
	}
	now := j.now()
	expiresAt := now.Add(j.expiry)
	claims := Claims{
		Plan: plan,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   principal,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// ValidateToken parses and verifies a token
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithTimeFunc(j.now), jwt.WithIssuer(j.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}
