package credential

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrNoCredential is returned when no usable credential exists in any
// storage location. There is no anonymous mode: both the sync client and
// the call client refuse to connect without one.
var ErrNoCredential = errors.New("no credential found")

// Provider supplies the auth token used for REST calls and the realtime
// channel handshake.
type Provider interface {
	Token() (string, error)
}

// Static is a fixed-token provider, mainly for tests and CLI overrides.
type Static string

func (s Static) Token() (string, error) {
	if s == "" {
		return "", ErrNoCredential
	}
	return string(s), nil
}

// Chain probes storage locations in order and returns the first usable
// token: an explicit override, the profile's persistent token file, the
// session-scoped token file, then the VICHAT_TOKEN environment variable.
// A token whose JWT exp claim has passed is treated as absent at that
// location so the chain can fall through to a fresher one.
type Chain struct {
	Override    string
	TokenFile   string
	SessionFile string
	EnvVar      string
	Logger      *zap.Logger
	now         func() time.Time
}

// NewChain builds the standard fallback chain for a profile.
func NewChain(tokenFile, sessionFile string, logger *zap.Logger) *Chain {
	return &Chain{
		TokenFile:   tokenFile,
		SessionFile: sessionFile,
		EnvVar:      "VICHAT_TOKEN",
		Logger:      logger,
	}
}

func (c *Chain) Token() (string, error) {
	for _, probe := range []struct {
		name string
		get  func() string
	}{
		{"override", func() string { return c.Override }},
		{"token file", func() string { return readTokenFile(c.TokenFile) }},
		{"session file", func() string { return readTokenFile(c.SessionFile) }},
		{"environment", func() string { return os.Getenv(c.EnvVar) }},
	} {
		tok := probe.get()
		if tok == "" {
			continue
		}
		if c.expired(tok) {
			if c.Logger != nil {
				c.Logger.Warn("skipping expired credential", zap.String("source", probe.name))
			}
			continue
		}
		return tok, nil
	}
	return "", ErrNoCredential
}

// expired reports whether tok is a JWT with a past exp claim. Opaque
// tokens (anything that does not parse as a JWT) are never expired here;
// the backend is the authority for those.
func (c *Chain) expired(tok string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	return exp.Before(now())
}

// Identity extracts the subject id and display name from a JWT's claims,
// unverified (the backend owns the signing key; this is display-side
// identity only). Opaque tokens yield empty values.
func Identity(tok string) (id, name string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return "", ""
	}
	id, _ = claims.GetSubject()
	if v, ok := claims["name"].(string); ok {
		name = v
	}
	return id, name
}

func readTokenFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
