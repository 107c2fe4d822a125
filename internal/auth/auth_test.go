package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/config"
)

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.AuthModeNone, "")
	require.NoError(t, err)
	assert.NoError(t, v.Verify(""), "none accepts an empty credential")

	_, err = NewVerifier(config.AuthModeAPIKey, "")
	assert.Error(t, err, "api_key without key")

	v, err = NewVerifier(config.AuthModeAPIKey, "secret")
	require.NoError(t, err)
	assert.NoError(t, v.Verify("secret"))
	assert.ErrorIs(t, v.Verify("wrong"), ErrInvalidCredentials)

	_, err = NewVerifier("jwt", "x")
	assert.Error(t, err, "unknown mode")
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/data/PC1?apiKey=query", nil)
	cred, err := CredentialFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "query", cred)

	r.Header.Set(APIKeyHeader, "header")
	cred, err = CredentialFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "header", cred, "header wins over query")

	r = httptest.NewRequest("GET", "/data/PC1", nil)
	_, err = CredentialFromRequest(r)
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestAuthenticate(t *testing.T) {
	v := APIKeyVerifier{Expected: "secret"}

	r := httptest.NewRequest("POST", "/data/PC1", nil)
	assert.ErrorIs(t, Authenticate(v, r), ErrInvalidCredentials)
	r.Header.Set(APIKeyHeader, "secret")
	assert.NoError(t, Authenticate(v, r))
	assert.NoError(t, Authenticate(AllowAll{}, httptest.NewRequest("GET", "/", nil)))
}
