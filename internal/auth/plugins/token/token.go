// Package token implements an AuthNZ plugin validating an HMAC-signed
// bearer token carried as the AuthNZ init data, demonstrating that the
// plugin surface is pluggable beyond Kerberos. Grounded on the teacher's
// internal/controlplane/api/auth.JWTService (HMAC secret, issuer claim,
// expiry validation via golang-jwt/jwt/v5), trimmed to validation only
// since this plugin never issues tokens itself -- the embedding
// application's own identity provider does that out of band.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/epics-go/pvaccess/internal/pvstatus"
)

// ErrInvalidSecretLength mirrors the teacher's own HMAC secret length
// floor: a short secret is a misconfiguration, not a runtime failure to
// tolerate.
var ErrInvalidSecretLength = errors.New("token: HMAC secret must be at least 32 characters")

// Claims is the minimal claim set this plugin checks: standard
// registered claims plus a subject used as the authenticated identity.
type Claims struct {
	jwt.RegisteredClaims
}

// Plugin validates bearer tokens signed with a shared HMAC secret.
type Plugin struct {
	secret []byte
	issuer string
}

// New builds a token plugin. issuer, if non-empty, is checked against
// the token's iss claim.
func New(secret, issuer string) (*Plugin, error) {
	if len(secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	return &Plugin{secret: []byte(secret), issuer: issuer}, nil
}

// Name is the wire name of this plugin.
const Name = "token"

func (p *Plugin) Name() string { return Name }

// InitServer treats initData as a UTF-8 bearer token and validates its
// signature, expiry, and (if configured) issuer in a single round.
func (p *Plugin) InitServer(ctx context.Context, initData []byte) (bool, pvstatus.Status, []byte, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(string(initData), claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return true, pvstatus.Errorf("token: invalid token: %v", err), nil, nil
	}
	if !parsed.Valid {
		return true, pvstatus.Errorf("token: token failed validation"), nil, nil
	}
	if p.issuer != "" && claims.Issuer != p.issuer {
		return true, pvstatus.Errorf("token: unexpected issuer %q", claims.Issuer), nil, nil
	}

	return true, pvstatus.New(pvstatus.OK, fmt.Sprintf("authenticated as %s", claims.Subject)), nil, nil
}

// InitClient is never called server-side: a server registers Plugin to
// validate incoming tokens, never to present one of its own.
func (p *Plugin) InitClient(ctx context.Context) ([]byte, error) {
	return nil, fmt.Errorf("token: server-side plugin cannot initiate a client handshake")
}

// HandleServerChallenge is never called server-side, for the same reason.
func (p *Plugin) HandleServerChallenge(ctx context.Context, challenge []byte) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("token: server-side plugin cannot handle a server challenge")
}

// ClientPlugin is the client-side half: it sends a previously issued
// token as-is.
type ClientPlugin struct {
	tokenString string
}

// NewClient wraps a bearer token string for the AuthNZ handshake.
func NewClient(tokenString string) *ClientPlugin {
	return &ClientPlugin{tokenString: tokenString}
}

func (c *ClientPlugin) Name() string { return Name }

func (c *ClientPlugin) InitServer(ctx context.Context, initData []byte) (bool, pvstatus.Status, []byte, error) {
	return true, pvstatus.Ok, nil, nil
}

func (c *ClientPlugin) InitClient(ctx context.Context) ([]byte, error) {
	return []byte(c.tokenString), nil
}

func (c *ClientPlugin) HandleServerChallenge(ctx context.Context, challenge []byte) ([]byte, bool, error) {
	return nil, true, nil
}

// IssueToken is a small convenience helper for tests and examples that
// need a token this plugin will accept -- a real deployment issues
// tokens from its own identity provider, not from this package.
func IssueToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrInvalidSecretLength
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}
