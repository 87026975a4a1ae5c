package oauth

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Config holds the client registration used for both grants.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	HTTPClient   *http.Client
}

func (c Config) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     strings.TrimSpace(c.ClientID),
		ClientSecret: strings.TrimSpace(c.ClientSecret),
		RedirectURL:  strings.TrimSpace(c.RedirectURI),
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthorizationURL is the provider consent page. State is omitted when empty.
func (c Config) AuthorizationURL(state string) string {
	return c.oauth2Config().AuthCodeURL(state)
}

func (c Config) withClient(ctx context.Context) context.Context {
	if c.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
}
