package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsStream(t *testing.T) {
	tests := []struct {
		route string
		want  bool
	}{
		{"/api/v1/jobs/:id/events", true},
		{"/ws/jobs/:id", true},
		{"/api/v1/jobs/:id/execute", false},
		{"/health", false},
		{"unmatched", false},
	}
	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			assert.Equal(t, tt.want, isStream(tt.route))
		})
	}
}
