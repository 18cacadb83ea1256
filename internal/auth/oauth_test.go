package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelane/antigravity-relay/internal/config"
)

func TestNewFlowBuildsConsentURL(t *testing.T) {
	flow, err := NewFlow("http://localhost:51121/oauth-callback")
	require.NoError(t, err)

	assert.NotEmpty(t, flow.Verifier)
	assert.Len(t, flow.State, 32)

	assert.True(t, strings.HasPrefix(flow.URL, config.OAuth.AuthURL))
	assert.Contains(t, flow.URL, "state="+flow.State)
	assert.Contains(t, flow.URL, "access_type=offline")
	assert.Contains(t, flow.URL, "code_challenge_method=S256")
	assert.Contains(t, flow.URL, "oauth-callback")

	// Each flow gets its own CSRF state.
	second, err := NewFlow("")
	require.NoError(t, err)
	assert.NotEqual(t, flow.State, second.State)
}

func TestExtractCodeFromCallbackURL(t *testing.T) {
	result, err := ExtractCodeFromInput("http://localhost:51121/oauth-callback?code=4%2Fabcdef&state=xyz")
	require.NoError(t, err)
	assert.Equal(t, "4/abcdef", result.Code)
	assert.Equal(t, "xyz", result.State)
}

func TestExtractCodeFromRawCode(t *testing.T) {
	result, err := ExtractCodeFromInput("  4/0AbCdEfGhIjKl  ")
	require.NoError(t, err)
	assert.Equal(t, "4/0AbCdEfGhIjKl", result.Code)
	assert.Empty(t, result.State)
}

func TestExtractCodeRejectsBadInput(t *testing.T) {
	_, err := ExtractCodeFromInput("")
	assert.Error(t, err)

	_, err = ExtractCodeFromInput("short")
	assert.Error(t, err)

	_, err = ExtractCodeFromInput("http://localhost:51121/oauth-callback?error=access_denied")
	assert.ErrorContains(t, err, "access_denied")

	_, err = ExtractCodeFromInput("http://localhost:51121/oauth-callback?state=only")
	assert.ErrorContains(t, err, "no authorization code")
}
