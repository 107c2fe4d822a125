package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/config"
)

// APIKeyHeader carries the relay API key on HTTP requests. Clients that
// cannot set headers (websocket upgrades from some stacks) may use the
// apiKey query parameter instead.
const APIKeyHeader = "X-API-Key"

type Verifier interface {
	Verify(credential string) error
}

// AllowAll accepts every credential, including none.
type AllowAll struct{}

func (AllowAll) Verify(string) error { return nil }

func NewVerifier(mode config.AuthMode, apiKey string) (Verifier, error) {
	switch mode {
	case config.AuthModeNone:
		return AllowAll{}, nil
	case config.AuthModeAPIKey:
		if apiKey == "" {
			return nil, errors.New("api_key auth mode requires an api key")
		}
		return APIKeyVerifier{Expected: apiKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

var ErrMissingCredentials = errors.New("missing credentials")

func CredentialFromRequest(r *http.Request) (string, error) {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key, nil
	}
	if key := r.URL.Query().Get("apiKey"); key != "" {
		return key, nil
	}
	return "", ErrMissingCredentials
}

// Authenticate checks the request against v. A missing credential is only
// an error if v rejects the empty credential.
func Authenticate(v Verifier, r *http.Request) error {
	cred, err := CredentialFromRequest(r)
	if err != nil && !errors.Is(err, ErrMissingCredentials) {
		return err
	}
	return v.Verify(cred)
}
