// Package auth obtains access tokens from the identity provider with
// client_credentials, a private_key_jwt client assertion and DPoP proofs.
package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/synaptica-ai/reservation-sync/pkg/common/httpclient"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/common/syncerr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 60 * time.Second
	expiryMargin        = 30 * time.Second
)

type ClientConfig struct {
	TokenURL string
	ClientID string
	Scopes   []string
	Timeout  time.Duration
}

type Provider struct {
	cfg    ClientConfig
	key    crypto.Signer
	method jwt.SigningMethod
	proofs *ProofSigner
	cache  TokenCache
	client *http.Client
	now    func() time.Time

	mu sync.Mutex
}

func NewProvider(cfg ClientConfig, key crypto.Signer, cache TokenCache) (*Provider, error) {
	if cfg.TokenURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("identity provider configuration incomplete")
	}
	method, err := signingMethodFor(key)
	if err != nil {
		return nil, err
	}
	proofs, err := NewProofSigner(key)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		cache = NewMemoryTokenCache()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := httpclient.New(cfg.Timeout)
	client.Transport = &Transport{Base: client.Transport, Proofs: proofs}

	return &Provider{
		cfg:    cfg,
		key:    key,
		method: method,
		proofs: proofs,
		cache:  cache,
		client: client,
		now:    time.Now,
	}, nil
}

// Proofs exposes the signer so API clients bind their requests to the same key.
func (p *Provider) Proofs() *ProofSigner {
	return p.proofs
}

// GetValidAccessToken returns a cached token until shortly before it expires.
func (p *Provider) GetValidAccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cached, err := p.cache.Get(ctx)
	if err != nil {
		logger.Log.WithError(err).Warn("Token cache unavailable, requesting a new token")
	} else if cached != nil && p.now().Add(expiryMargin).Before(cached.ExpiresAt) {
		return cached.AccessToken, nil
	}

	token, err := p.requestToken(ctx)
	if err != nil {
		return "", err
	}

	if err := p.cache.Set(ctx, CachedToken{AccessToken: token.AccessToken, ExpiresAt: token.Expiry}); err != nil {
		logger.Log.WithError(err).Warn("Failed to cache access token")
	}
	logger.Log.WithField("expires_at", token.Expiry.Format(time.RFC3339)).Info("Obtained access token")
	return token.AccessToken, nil
}

func (p *Provider) requestToken(ctx context.Context) (*oauth2.Token, error) {
	assertion, err := p.clientAssertion()
	if err != nil {
		return nil, syncerr.New(syncerr.CategoryAuthentication, "client assertion", err)
	}

	cc := clientcredentials.Config{
		ClientID:  p.cfg.ClientID,
		TokenURL:  p.cfg.TokenURL,
		Scopes:    p.cfg.Scopes,
		AuthStyle: oauth2.AuthStyleInParams,
		EndpointParams: map[string][]string{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	token, err := cc.Token(ctx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, syncerr.New(syncerr.CategoryAuthentication, "token request",
				fmt.Errorf("identity provider returned %d", retrieveErr.Response.StatusCode))
		}
		var typed *syncerr.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		if httpclient.IsTransient(err) {
			return nil, syncerr.New(syncerr.CategoryTransientNetwork, "token request", err)
		}
		return nil, syncerr.New(syncerr.CategoryAuthentication, "token request", err)
	}
	if token.AccessToken == "" {
		return nil, syncerr.New(syncerr.CategoryAuthentication, "token request", errNoToken)
	}
	if token.Expiry.IsZero() {
		token.Expiry = p.now().Add(5 * time.Minute)
	}
	return token, nil
}

func (p *Provider) clientAssertion() (string, error) {
	now := p.now()
	claims := jwt.RegisteredClaims{
		Issuer:    p.cfg.ClientID,
		Subject:   p.cfg.ClientID,
		Audience:  jwt.ClaimStrings{strings.TrimSuffix(p.cfg.TokenURL, "/")},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	token := jwt.NewWithClaims(p.method, claims)
	token.Header["typ"] = "client-authentication+jwt"
	return token.SignedString(p.key)
}
