package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const operatorSecret = "operator-secret-0123456789"

func TestOperatorTokenRoundTrip(t *testing.T) {
	verifier, err := NewOperatorVerifier(operatorSecret, "reservation-sync", "reservation-sync-api")
	require.NoError(t, err)

	token, err := IssueOperatorToken(operatorSecret, "reservation-sync", "reservation-sync-api", "ops", time.Hour)
	require.NoError(t, err)

	subject, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)
}

func TestOperatorVerifierRejects(t *testing.T) {
	verifier, err := NewOperatorVerifier(operatorSecret, "reservation-sync", "reservation-sync-api")
	require.NoError(t, err)

	expired, err := IssueOperatorToken(operatorSecret, "reservation-sync", "reservation-sync-api", "ops", -time.Hour)
	require.NoError(t, err)
	wrongSecret, err := IssueOperatorToken("another-secret-0123456789", "reservation-sync", "reservation-sync-api", "ops", time.Hour)
	require.NoError(t, err)
	wrongAudience, err := IssueOperatorToken(operatorSecret, "reservation-sync", "other", "ops", time.Hour)
	require.NoError(t, err)
	noSubject, err := IssueOperatorToken(operatorSecret, "reservation-sync", "reservation-sync-api", "", time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:   "reservation-sync",
		Subject:  "ops",
		Audience: jwt.ClaimStrings{"reservation-sync-api"},
	}).SignedString([]byte(operatorSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":        expired,
		"wrong secret":   wrongSecret,
		"wrong audience": wrongAudience,
		"no subject":     noSubject,
		"no expiry":      noExpiry,
		"garbage":        "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.Verify(context.Background(), token)
			assert.Error(t, err)
		})
	}
}

func TestNewOperatorVerifierRequiresSecret(t *testing.T) {
	_, err := NewOperatorVerifier("short", "", "")
	assert.Error(t, err)
}
