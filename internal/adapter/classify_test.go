package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		code string
		want string
	}{
		{"401 unauthorized", "", ErrorKindProviderAuth},
		{"please login again", "", ErrorKindProviderAuth},
		{"invalid API key provided", "", ErrorKindProviderAuth},
		{"rate limit exceeded", "", ErrorKindRateLimit},
		{"", "RESOURCE_EXHAUSTED", ErrorKindRateLimit},
		{"prompt exceeds context window", "", ErrorKindContextOverflow},
		{"upstream exploded", "", ErrorKindAPIError},
		{"", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.msg, tt.code), tt.msg+tt.code)
	}
}
