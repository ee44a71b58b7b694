package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/reservation-sync/pkg/common/syncerr"
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func parseProof(t *testing.T, key *ecdsa.PrivateKey, proof string) (jwt.MapClaims, map[string]interface{}) {
	t.Helper()
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(proof, claims, func(*jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	if !assert.NoError(t, err) {
		return claims, nil
	}
	return claims, token.Header
}

type staticTokens string

func (s staticTokens) GetValidAccessToken(context.Context) (string, error) { return string(s), nil }

func TestProofContainsBindingClaims(t *testing.T) {
	key := newKey(t)
	signer, err := NewProofSigner(key)
	require.NoError(t, err)

	proof, err := signer.Proof(http.MethodGet, "https://api.example/personvern/x?paging=1#frag", "token-123", "n-1")
	require.NoError(t, err)

	claims, header := parseProof(t, key, proof)
	assert.Equal(t, "dpop+jwt", header["typ"])
	assert.Equal(t, "ES256", header["alg"])
	jwk := header["jwk"].(map[string]interface{})
	assert.Equal(t, "EC", jwk["kty"])
	assert.Equal(t, "P-256", jwk["crv"])

	sum := sha256.Sum256([]byte("token-123"))
	assert.Equal(t, "GET", claims["htm"])
	assert.Equal(t, "https://api.example/personvern/x", claims["htu"])
	assert.Equal(t, b64(sum[:]), claims["ath"])
	assert.Equal(t, "n-1", claims["nonce"])
	assert.NotEmpty(t, claims["jti"])
}

func TestTransportRetriesOnceOnNonceChallenge(t *testing.T) {
	key := newKey(t)
	signer, err := NewProofSigner(key)
	require.NoError(t, err)

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "DPoP token-abc", r.Header.Get("Authorization"))
		claims, _ := parseProof(t, key, r.Header.Get("DPoP"))
		if claims["nonce"] != "server-nonce" {
			w.Header().Set("DPoP-Nonce", "server-nonce")
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := &http.Client{Transport: &Transport{Proofs: signer, Tokens: staticTokens("token-abc")}}
	resp, err := client.Get(server.URL + "/resource")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTransportDoesNotRetryTwice(t *testing.T) {
	key := newKey(t)
	signer, err := NewProofSigner(key)
	require.NoError(t, err)

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("DPoP-Nonce", "always-new")
		w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := &http.Client{Transport: &Transport{Proofs: signer}}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestProviderRequestsAndCachesToken(t *testing.T) {
	key := newKey(t)
	var calls int32
	var tokenURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, clientAssertionType, r.PostForm.Get("client_assertion_type"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Contains(t, r.PostForm.Get("scope"), "personverninnstilling_read")

		assertion := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(r.PostForm.Get("client_assertion"), assertion, func(*jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithAudience(tokenURL))
		assert.NoError(t, err)
		assert.Equal(t, "client-1", assertion["iss"])

		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.Header().Set("DPoP-Nonce", "nonce-1")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"use_dpop_nonce"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"DPoP","expires_in":3600}`))
	}))
	defer server.Close()
	tokenURL = server.URL + "/connect/token"

	provider, err := NewProvider(ClientConfig{
		TokenURL: tokenURL,
		ClientID: "client-1",
		Scopes:   []string{"nhn:helsenorge.eksternapi/personverninnstilling_read"},
	}, key, nil)
	require.NoError(t, err)

	token, err := provider.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)

	token, err = provider.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestProviderMapsRejectionToAuthenticationError(t *testing.T) {
	key := newKey(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	provider, err := NewProvider(ClientConfig{TokenURL: server.URL, ClientID: "client-1"}, key, nil)
	require.NoError(t, err)

	_, err = provider.GetValidAccessToken(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsAuthentication(err))
}

func TestRedisTokenCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisTokenCache(client, "client-1")
	ctx := context.Background()

	got, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, cache.Set(ctx, CachedToken{AccessToken: "at-1", ExpiresAt: expires}))

	got, err = cache.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "at-1", got.AccessToken)
	assert.True(t, expires.Equal(got.ExpiresAt))
	assert.True(t, mr.TTL("reservation-sync:token:client-1") > 0)

	require.NoError(t, cache.Set(ctx, CachedToken{AccessToken: "expired", ExpiresAt: time.Now().Add(-time.Minute)}))
	got, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-1", got.AccessToken)
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePrivateKey([]byte("not a key"))
	assert.Error(t, err)
	_, err = ParsePrivateKey([]byte(strings.Join([]string{"-----BEGIN CERTIFICATE-----", "AAAA", "-----END CERTIFICATE-----"}, "\n")))
	assert.Error(t, err)
}
