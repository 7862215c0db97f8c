package tracker

import (
	"encoding/base64"
	"fmt"

	"runway/internal/config"
)

// AuthStrategy yields the headers that authenticate a tracker request.
// A concrete strategy is selected once at startup from configuration,
// not re-dispatched per call.
type AuthStrategy interface {
	AuthHeaders() map[string]string
}

// APITokenAuth authenticates with email + API token basic credentials.
type APITokenAuth struct {
	Email string
	Token string
}

func (a APITokenAuth) AuthHeaders() map[string]string {
	cred := base64.StdEncoding.EncodeToString([]byte(a.Email + ":" + a.Token))
	return map[string]string{"Authorization": "Basic " + cred}
}

// OAuthAuth authenticates with a bearer token.
type OAuthAuth struct {
	Token string
}

func (a OAuthAuth) AuthHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.Token}
}

// SelectAuth picks the configured credential scheme.
func SelectAuth(cfg config.TrackerConfig) (AuthStrategy, error) {
	switch cfg.Auth.Scheme {
	case config.AuthAPIToken, "":
		return APITokenAuth{Email: cfg.Auth.Email, Token: cfg.Auth.APIToken}, nil
	case config.AuthOAuth:
		return OAuthAuth{Token: cfg.Auth.Token}, nil
	default:
		return nil, fmt.Errorf("unknown auth scheme %q", cfg.Auth.Scheme)
	}
}
