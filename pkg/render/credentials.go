package render

import (
	"context"
	"net/http"
	"os"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
)

// CredentialProvider yields the credential for a render, or nil for anonymous access.
type CredentialProvider interface {
	Credential(ctx context.Context) (*Credential, error)
}

// CredentialChain returns the first credential any provider yields.
type CredentialChain []CredentialProvider

func (c CredentialChain) Credential(ctx context.Context) (*Credential, error) {
	for _, p := range c {
		cred, err := p.Credential(ctx)
		if err != nil {
			return nil, err
		}
		if cred != nil {
			return cred, nil
		}
	}
	return nil, nil
}

type credentialKey struct{}

// WithCredential stores a per-request credential, typically the caller's session cookie.
func WithCredential(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

// ContextCredentials reads credentials stored with WithCredential.
type ContextCredentials struct{}

func (ContextCredentials) Credential(ctx context.Context) (*Credential, error) {
	cred, _ := ctx.Value(credentialKey{}).(*Credential)
	return cred, nil
}

// SessionCookie builds a credential from the named cookie on r. It returns nil when
// name is empty or the cookie is absent.
func SessionCookie(r *http.Request, name string) *Credential {
	if name == "" {
		return nil
	}
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return nil
	}
	return &Credential{Cookies: []*http.Cookie{{Name: c.Name, Value: c.Value}}}
}

// GrafanaServiceToken authenticates as the plugin's managed service account.
// The token comes from the Grafana config on ctx, then GF_PLUGIN_APP_CLIENT_SECRET.
type GrafanaServiceToken struct{}

func (GrafanaServiceToken) Credential(ctx context.Context) (*Credential, error) {
	var token string
	if cfg := backend.GrafanaConfigFromContext(ctx); cfg != nil {
		token, _ = cfg.PluginAppClientSecret()
	}
	if token == "" {
		token = os.Getenv("GF_PLUGIN_APP_CLIENT_SECRET")
	}
	if token == "" {
		return nil, nil
	}
	return &Credential{Headers: map[string]string{"Authorization": "Bearer " + token}}, nil
}
