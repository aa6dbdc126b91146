package api

import (
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const defaultKeyCacheTTL = 15 * time.Minute

// GuestOwner is the owner id of unauthenticated sessions.
const GuestOwner = ""

// Auth validates bearer tokens and yields the owner id from the sub claim.
type Auth struct {
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string
	// Secret switches verification to HS256 with a shared secret.
	Secret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth verifies RS256 tokens against jwks.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string, keyTTL time.Duration) *Auth {
	if keyTTL <= 0 {
		keyTTL = defaultKeyCacheTTL
	}
	return &Auth{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: keyTTL,
	}
}

// NewHS256Auth verifies tokens signed with secret. Used for local setups and
// tests.
func NewHS256Auth(secret []byte) *Auth {
	if len(secret) == 0 {
		panic("api.NewHS256Auth: empty secret")
	}
	return &Auth{
		Secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// OwnerFromAuthHeader extracts the owner id from an Authorization header.
func (a *Auth) OwnerFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.OwnerFromBearer(token)
}

// OwnerFromBearer validates a raw token.
func (a *Auth) OwnerFromBearer(token string) (string, error) {
	if token == "" {
		return "", errBadAuthorization
	}
	parsed, err := a.parser.Parse(token, a.keyFor)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	// a minute of leeway for clock skew
	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return "", errors.New("invalid issuer")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyFor(t *jwt.Token) (any, error) {
	if a.Secret != nil {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.Secret, nil
	}
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := t.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}
	key, err := a.JWKS.Keyfunc(t)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// GuestAuth accepts every request as the guest owner.
type GuestAuth struct{}

func (GuestAuth) OwnerFromAuthHeader(string) (string, error) { return GuestOwner, nil }
