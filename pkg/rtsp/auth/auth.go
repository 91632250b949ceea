// Package auth implements HTTP Digest (RFC 2617, MD5, no qop)
// challenge/verify for the server role and challenge/retry for the
// client role, wrapping github.com/icholy/digest the way
// emiago-diago's DigestAuthServer does, generalized from sipgo's
// sip.Request/Response to this module's own message type.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/icholy/digest"
)

// DefaultRealm matches the original MCU's fixed realm string.
const DefaultRealm = "openmcu-ru"

var (
	// ErrNoChallenge is returned when a client presents an
	// Authorization: header whose nonce was never challenged.
	ErrNoChallenge = errors.New("auth: no matching challenge")
	// ErrBadCredentials is returned when the computed digest response
	// doesn't match what the client sent.
	ErrBadCredentials = errors.New("auth: bad credentials")
	// ErrAlreadyChallenged is the client-side retry guard: a second
	// 401 after a password was already supplied aborts instead of
	// looping, matching RtspConnection's
	// "auth_type != AUTH_NONE ... return FALSE".
	ErrAlreadyChallenged = errors.New("auth: already challenged once, aborting to avoid a retry loop")
)

// ServerChallenge is one outstanding 401 challenge a server session
// issued, keyed by nonce.
type ServerChallenge struct {
	chal *digest.Challenge
}

// NewChallenge generates a fresh MD5 nonce and wraps it for a 401
// response, mirroring RtspCheckAuth's inline auth_str construction.
func NewChallenge(realm string) (*ServerChallenge, error) {
	if realm == "" {
		realm = DefaultRealm
	}
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	return &ServerChallenge{chal: &digest.Challenge{
		Realm:     realm,
		Nonce:     nonce,
		Algorithm: "MD5",
	}}, nil
}

// Header renders the WWW-Authenticate: header value.
func (c *ServerChallenge) Header() string {
	return c.chal.String()
}

// Verify checks an Authorization: header value against the challenge
// this struct was issued with, for the given method/username/password.
// A non-nil error is ErrNoChallenge (no challenge issued, or a nonce
// other than the challenged one), ErrBadCredentials, or a
// credential-parse error; the caller maps all of them to a rejection
// status (403, per RtspCheckAuth).
func (c *ServerChallenge) Verify(authorizationHeader, method, username, password string) error {
	if c == nil || c.chal == nil {
		return ErrNoChallenge
	}
	cred, err := digest.ParseCredentials(authorizationHeader)
	if err != nil {
		return fmt.Errorf("auth: parse credentials: %w", err)
	}
	if cred.Nonce != c.chal.Nonce {
		return ErrNoChallenge
	}

	want, err := digest.Digest(c.chal, digest.Options{
		Method:   method,
		URI:      cred.URI,
		Username: username,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("auth: compute digest: %w", err)
	}

	if cred.Response != want.Response {
		return ErrBadCredentials
	}
	return nil
}

// ClientState tracks what a client session knows about an outbound
// peer's digest challenge, built after receiving one 401 and consumed
// on the retried request. challenged guards against a second 401
// triggering an infinite retry loop.
type ClientState struct {
	Realm      string
	Nonce      string
	Algorithm  string
	challenged bool
}

// ParseChallenge consumes a WWW-Authenticate: header from a 401
// response and records it for the retried request. Returns
// ErrAlreadyChallenged if a challenge was already recorded once,
// matching the original's single-retry guard.
func (c *ClientState) ParseChallenge(wwwAuthenticate string) error {
	if c.challenged {
		return ErrAlreadyChallenged
	}
	chal, err := digest.ParseChallenge(wwwAuthenticate)
	if err != nil {
		return fmt.Errorf("auth: parse challenge: %w", err)
	}
	c.Realm = chal.Realm
	c.Nonce = chal.Nonce
	c.Algorithm = chal.Algorithm
	c.challenged = true
	return nil
}

// Authorize renders the Authorization: header value for method/uri
// using the previously parsed challenge, matching MakeAuthStr's role
// on the outbound path.
func (c *ClientState) Authorize(method, uri, username, password string) (string, error) {
	chal := &digest.Challenge{Realm: c.Realm, Nonce: c.Nonce, Algorithm: c.Algorithm}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", fmt.Errorf("auth: compute digest: %w", err)
	}
	return cred.String(), nil
}

func generateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate nonce: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
