package gcs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2/google"

	"github.com/gostratum/buildcachex"
)

// ambientCredentials caches Application Default Credentials keyed by scope
// set. It is shared by every GCS backend in the process.
var ambientCredentials buildcachex.AmbientRegistry[*google.Credentials]

// InvalidateAmbientCredentials clears the process-wide ambient credential cache.
func InvalidateAmbientCredentials() {
	ambientCredentials.Invalidate()
}

// ambientSource resolves Application Default Credentials.
type ambientSource struct {
	scopes    []string
	find      defaultFinder
	tokenInfo *tokenInfoClient
	verify    bool
}

func (a *ambientSource) Acquire(ctx context.Context) (*google.Credentials, error) {
	creds, err := ambientCredentials.Get(strings.Join(a.scopes, " "), func() (*google.Credentials, error) {
		return a.find(ctx, a.scopes...)
	})
	if err != nil {
		return nil, fmt.Errorf("unable to find default credentials: %w", err)
	}
	if creds == nil || creds.TokenSource == nil {
		return nil, errors.New("default credentials carry no token source")
	}

	// The token source caches the token and refreshes it once expired.
	if _, err := creds.TokenSource.Token(); err != nil {
		return nil, fmt.Errorf("unable to refresh default credentials: %w", err)
	}
	return creds, nil
}

func (a *ambientSource) Introspect(ctx context.Context, creds *google.Credentials) error {
	if !a.verify {
		return nil
	}
	token, err := creds.TokenSource.Token()
	if err != nil {
		return err
	}
	return a.tokenInfo.Verify(ctx, token.AccessToken)
}

func (a *ambientSource) Invalidate() {
	InvalidateAmbientCredentials()
}
