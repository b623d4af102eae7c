package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/events/bus"
)

var secret = []byte("test-secret")

func TestIssueAndVerify(t *testing.T) {
	token, err := IssueToken(secret, "acct-1", time.Hour)
	require.NoError(t, err)

	sub, err := VerifyToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", sub)

	_, err = VerifyToken([]byte("other"), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	token, err := IssueToken(secret, "acct-1", -time.Minute)
	require.NoError(t, err)
	_, err = VerifyToken(secret, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccountIDFromToken(t *testing.T) {
	token, err := IssueToken([]byte("server-only"), "acct-2", time.Hour)
	require.NoError(t, err)

	sub, err := AccountIDFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "acct-2", sub)

	_, err = AccountIDFromToken("not a token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "x"}).SignedString(secret)
	require.NoError(t, err)
	_, err = AccountIDFromToken(anonymous)
	assert.ErrorIs(t, err, ErrMissingSubject)
}

type accountEndpoint struct {
	*endpoint.LocalOnly
	id string
}

func (a accountEndpoint) IsAuthenticated() bool { return true }
func (a accountEndpoint) AccountID() string     { return a.id }

func TestNotifierPublishesChanges(t *testing.T) {
	b := bus.New()
	n := NewNotifier(b, nil, nil)
	assert.False(t, n.Endpoint().IsAuthenticated())

	var seen []string
	_, err := n.OnChange(func(ep endpoint.Endpoint) {
		seen = append(seen, ep.AccountID())
	})
	require.NoError(t, err)

	require.NoError(t, n.SetEndpoint(accountEndpoint{endpoint.NewLocalOnly(), "acct-1"}))
	assert.Equal(t, "acct-1", n.Endpoint().AccountID())

	require.NoError(t, n.SignOut())
	assert.Equal(t, []string{"acct-1", ""}, seen)
	assert.False(t, n.Endpoint().IsAuthenticated())
}
