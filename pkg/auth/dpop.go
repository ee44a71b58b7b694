package auth

import (
	"crypto"
	"crypto/sha256"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ProofSigner creates DPoP proof JWTs (RFC 9449) bound to one key pair.
type ProofSigner struct {
	key    crypto.Signer
	method jwt.SigningMethod
	jwk    map[string]interface{}
	now    func() time.Time
}

func NewProofSigner(key crypto.Signer) (*ProofSigner, error) {
	method, err := signingMethodFor(key)
	if err != nil {
		return nil, err
	}
	jwk, err := publicJWK(key)
	if err != nil {
		return nil, err
	}
	return &ProofSigner{key: key, method: method, jwk: jwk, now: time.Now}, nil
}

type proofClaims struct {
	HTTPMethod      string `json:"htm"`
	HTTPURI         string `json:"htu"`
	AccessTokenHash string `json:"ath,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

// Proof signs a proof for one request. accessToken and nonce are optional.
func (s *ProofSigner) Proof(method, rawURL, accessToken, nonce string) (string, error) {
	htu, err := targetURI(rawURL)
	if err != nil {
		return "", err
	}

	claims := proofClaims{
		HTTPMethod: method,
		HTTPURI:    htu,
		Nonce:      nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
	}
	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		claims.AccessTokenHash = b64(sum[:])
	}

	token := jwt.NewWithClaims(s.method, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = s.jwk
	return token.SignedString(s.key)
}

func targetURI(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse dpop target: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
