package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	testIssuer = "reconciler-test"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestParseValidToken(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"sub":        "user-1",
		"athlete_id": "athlete-1",
		"iss":        testIssuer,
		"scopes":     []string{ScopeWorkoutsRead, ScopeWorkoutsWrite},
		"exp":        time.Now().Add(time.Hour).Unix(),
	})

	claims, err := Parse(token, Config{Secret: testSecret, Issuer: testIssuer})
	require.NoError(t, err)
	require.Equal(t, "athlete-1", claims.AthleteID)
	require.True(t, claims.HasScope(ScopeWorkoutsRead))
	require.False(t, claims.HasScope("admin"))
}

func TestParseSpaceSeparatedScopes(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"sub":        "user-1",
		"athlete_id": "athlete-1",
		"iss":        testIssuer,
		"scopes":     "workouts:read workouts:write",
		"exp":        time.Now().Add(time.Hour).Unix(),
	})

	claims, err := Parse(token, Config{Secret: testSecret, Issuer: testIssuer})
	require.NoError(t, err)
	require.True(t, claims.HasScope(ScopeWorkoutsWrite))
}

func TestParseRejectsMissingAthlete(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := Parse(token, Config{Secret: testSecret, Issuer: testIssuer})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsWrongIssuerAndExpiry(t *testing.T) {
	wrongIssuer := signToken(t, jwt.MapClaims{
		"sub":        "user-1",
		"athlete_id": "athlete-1",
		"iss":        "someone-else",
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
	_, err := Parse(wrongIssuer, Config{Secret: testSecret, Issuer: testIssuer})
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := signToken(t, jwt.MapClaims{
		"sub":        "user-1",
		"athlete_id": "athlete-1",
		"iss":        testIssuer,
		"exp":        time.Now().Add(-time.Hour).Unix(),
	})
	_, err = Parse(expired, Config{Secret: testSecret, Issuer: testIssuer})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseEmptyToken(t *testing.T) {
	_, err := Parse("  ", Config{Secret: testSecret, Issuer: testIssuer})
	require.ErrorIs(t, err, ErrMissingToken)
}
