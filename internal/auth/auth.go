// Package auth issues and checks the JWT tokens presented in link
// handshakes and on the admin endpoint.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

var (
	// ErrEmptyToken is returned when a token is required but none was given.
	ErrEmptyToken = errors.New("token cannot be empty")
	// ErrPeerMismatch is returned when a token was issued to another peer.
	ErrPeerMismatch = errors.New("token not issued to this peer")
	// ErrModeNotAllowed is returned when a token forbids the peer's mode.
	ErrModeNotAllowed = errors.New("mode not allowed by token")
)

// DefaultTTL is the lifetime of tokens issued without an explicit one.
const DefaultTTL = 24 * time.Hour

// Claims are the token claims. An empty Peer admits any peer id; an empty
// Modes list admits any mode.
type Claims struct {
	Peer  string   `json:"peer,omitempty"`
	Modes []string `json:"modes,omitempty"`
	Admin bool     `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator signs and validates HS256 tokens with a shared secret.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// New returns an authenticator for secret.
func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// IssueOptions narrow what a token admits.
type IssueOptions struct {
	Peer  *peerlink.PeerID
	Modes []peerlink.Mode
	Admin bool
	TTL   time.Duration
}

// Issue creates a signed token for subject.
func (a *Authenticator) Issue(subject string, opts IssueOptions) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("subject cannot be empty")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := a.now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		Admin: opts.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if opts.Peer != nil {
		claims.Peer = opts.Peer.String()
	}
	for _, m := range opts.Modes {
		claims.Modes = append(claims.Modes, m.String())
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses token and checks its signature and expiry. A "Bearer "
// prefix is accepted.
func (a *Authenticator) Validate(token string) (*Claims, error) {
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
	if token == "" {
		return nil, ErrEmptyToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// VerifyPeer checks a handshake token presented by a peer. Its signature
// matches the peerlink Config.Verify hook.
func (a *Authenticator) VerifyPeer(token []byte, id peerlink.PeerID, mode peerlink.Mode) error {
	claims, err := a.Validate(string(token))
	if err != nil {
		return err
	}
	if claims.Peer != "" && claims.Peer != id.String() {
		return fmt.Errorf("%w: issued to %s", ErrPeerMismatch, claims.Peer)
	}
	if len(claims.Modes) == 0 {
		return nil
	}
	for _, m := range claims.Modes {
		if m == mode.String() {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrModeNotAllowed, mode)
}
