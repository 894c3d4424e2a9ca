package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"microclaw/host/internal/auth"
)

// DeviceAuthenticator authenticates an inbound device WebSocket upgrade
// request, returning the authenticated device_id (or "" to fall back to the
// request's declared device_id).
type DeviceAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AllowAllAuthenticator accepts every connection, trusting the declared
// device_id. Suitable for local development only.
type AllowAllAuthenticator struct{}

// Authenticate implements DeviceAuthenticator.
func (AllowAllAuthenticator) Authenticate(*http.Request) (string, error) { return "", nil }

// hmacDeviceAuthenticator validates a bearer token against an HMAC verifier
// and treats the token's subject as the authenticated device_id.
type hmacDeviceAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

// NewHMACDeviceAuthenticator builds a DeviceAuthenticator backed by an
// HS256-signed token shared between host and device.
func NewHMACDeviceAuthenticator(secret string) (DeviceAuthenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacDeviceAuthenticator{verifier: verifier}, nil
}

// Authenticate implements DeviceAuthenticator.
func (a *hmacDeviceAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("gateway: verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("gateway: missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
