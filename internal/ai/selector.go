package ai

import (
	"strings"
)

// Selector chooses the model client for a user. A user-supplied key for the
// configured provider (bring-your-own-key) takes precedence over the
// platform client and marks the call as free of platform credits.
type Selector struct {
	platform Client
	provider Provider
	baseURL  string
	model    string
	factory  func(provider Provider, apiKey, baseURL, model string) (Client, error)
}

// NewSelector wraps the platform client. platform may be nil when the server
// runs without a platform key; users must then bring their own.
func NewSelector(platform Client, provider Provider, baseURL, model string) *Selector {
	return &Selector{
		platform: platform,
		provider: provider,
		baseURL:  baseURL,
		model:    model,
		factory:  NewClient,
	}
}

// ForUser returns the client to use and whether the user's own key is used.
func (s *Selector) ForUser(overrides map[string]string) (Client, bool) {
	if key := normalizeAPIKey(overrides[string(s.provider)]); key != "" {
		if c, err := s.factory(s.provider, key, s.baseURL, s.model); err == nil {
			return c, true
		}
	}
	return s.platform, false
}

// HasPlatformClient reports whether a platform key is configured.
func (s *Selector) HasPlatformClient() bool {
	return s.platform != nil
}

// normalizeAPIKey strips formatting noise that commonly appears in pasted or
// env-var key values.
func normalizeAPIKey(raw string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}

	key = strings.Trim(key, `"'`)
	key = strings.TrimSpace(key)
	if len(key) >= len("bearer ") && strings.EqualFold(key[:len("bearer ")], "bearer ") {
		key = strings.TrimSpace(key[len("bearer "):])
	}

	key = strings.ReplaceAll(key, `\r`, "")
	key = strings.ReplaceAll(key, `\n`, "")

	// Keep only visible ASCII bytes to avoid malformed Authorization headers.
	filtered := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		b := key[i]
		if b >= 33 && b <= 126 {
			filtered = append(filtered, b)
		}
	}
	return string(filtered)
}
