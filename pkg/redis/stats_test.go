package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetModelShortName(t *testing.T) {
	cases := map[string]string{
		"claude-opus-4-5-thinking": "opus-4-5-thinking",
		"claude-sonnet-4-5":        "sonnet-4-5",
		"gemini-3-flash":           "3-flash",
		"mystery-model":            "mystery-model",
		"claude-":                  "claude-",
		"":                         "",
	}
	for in, want := range cases {
		assert.Equal(t, want, GetModelShortName(in), in)
	}
}
