package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveValidToken(t *testing.T) {
	v := NewJWTValidator("secret", "netshare")
	token, err := v.Sign("alice", "admin")
	require.NoError(t, err)

	owner := Resolve(v, token)
	assert.Equal(t, Owner{Username: "alice", Role: "admin"}, owner)
	assert.Equal(t, "alice", owner.Name())
}

func TestResolveFallsBackToAnonymous(t *testing.T) {
	v := NewJWTValidator("secret", "netshare")
	other := NewJWTValidator("another-secret", "netshare")
	forged, err := other.Sign("mallory", "admin")
	require.NoError(t, err)

	for _, token := range []string{"", "not-a-jwt", forged} {
		owner := Resolve(v, token)
		assert.True(t, owner.Anonymous, "token %q", token)
		assert.Equal(t, "anonymous", owner.Name())
	}
	assert.True(t, Resolve(nil, "anything").Anonymous)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	v := NewJWTValidator("secret", "netshare")
	v.ExpMin = -1
	token, err := v.Sign("alice", "user")
	require.NoError(t, err)

	_, err = v.ValidateSession(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))
}

func TestOwnerKey(t *testing.T) {
	assert.Equal(t, "", AnonymousOwner().Key())
	assert.Equal(t, "anonymous", AnonymousOwner().Name())
	assert.Equal(t, "anonymous", Owner{Username: "anonymous"}.Key())
}
