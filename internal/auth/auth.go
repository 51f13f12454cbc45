package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidSession is returned by validators for unknown or expired tokens.
var ErrInvalidSession = errors.New("invalid session")

// Identity is what a validator knows about a session token.
type Identity struct {
	Username string
	Role     string
}

// Validator resolves session tokens issued elsewhere.
type Validator interface {
	ValidateSession(token string) (Identity, error)
}

// Owner attributes a transfer to a user. Transfers never fail for lack of
// credentials; they are owned by the anonymous owner instead.
type Owner struct {
	Username  string
	Role      string
	Anonymous bool
}

// AnonymousOwner is the owner of transfers made without a valid session.
func AnonymousOwner() Owner {
	return Owner{Anonymous: true}
}

// Name returns the username, or "anonymous".
func (o Owner) Name() string {
	if o.Anonymous {
		return "anonymous"
	}
	return o.Username
}

// Key identifies the owner for per-owner state such as staged uploads. It is
// empty for the anonymous owner, so no username can collide with it.
func (o Owner) Key() string {
	if o.Anonymous {
		return ""
	}
	return o.Username
}

// Resolve maps a token to an owner. A nil validator, an empty token or a
// rejected token all yield the anonymous owner.
func Resolve(v Validator, token string) Owner {
	if v == nil || token == "" {
		return AnonymousOwner()
	}
	id, err := v.ValidateSession(token)
	if err != nil || id.Username == "" {
		return AnonymousOwner()
	}
	return Owner{Username: id.Username, Role: id.Role}
}

// TokenFromRequest looks for a session token in the Authorization header,
// the session_token cookie and the token query parameter, in that order.
// Browsers cannot set headers on websocket upgrades, hence the query.
func TokenFromRequest(r *http.Request) string {
	if token := r.Header.Get("Authorization"); token != "" {
		return strings.TrimPrefix(token, "Bearer ")
	}
	if cookie, err := r.Cookie("session_token"); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// OwnerFromRequest is Resolve applied to TokenFromRequest.
func OwnerFromRequest(v Validator, r *http.Request) Owner {
	return Resolve(v, TokenFromRequest(r))
}
