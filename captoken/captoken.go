// Package captoken issues and verifies capability tokens that authorize a
// single file transfer without a bearer credential.
package captoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 30 * time.Minute

var (
	// ErrExpired is returned for tokens presented after their expiry.
	ErrExpired = errors.New("captoken: expired")
	// ErrResourceMismatch is returned when the token names another resource path.
	ErrResourceMismatch = errors.New("captoken: resource mismatch")
	// ErrSizeMismatch is returned when the request declares a different file size.
	ErrSizeMismatch = errors.New("captoken: size mismatch")
	// ErrInvalid is returned for tokens that fail to parse or verify.
	ErrInvalid = errors.New("captoken: invalid token")
)

// Claims are the signed fields of a capability token.
type Claims struct {
	ResourcePath string `json:"resource_path"`
	Username     string `json:"username"`
	FileSize     int64  `json:"filesize"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

func NewIssuer(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("captoken: secret required")
	}
	i := &Issuer{
		secret: append([]byte(nil), secret...),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a token for one file of filesize bytes at resourcePath.
// The only time field is the expiry, so equal inputs within the same second
// yield equal tokens.
func (i *Issuer) Issue(resourcePath, username string, filesize int64) (string, error) {
	claims := Claims{
		ResourcePath: resourcePath,
		Username:     username,
		FileSize:     filesize,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(i.now().Add(i.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign capability token: %w", err)
	}
	return token, nil
}

// Verify checks the signature and expiry of token and that it authorizes
// writing filesize bytes at resourcePath.
func (i *Issuer) Verify(token, resourcePath string, filesize int64) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.ResourcePath != resourcePath {
		return Claims{}, fmt.Errorf("%w: token for %q, request for %q", ErrResourceMismatch, claims.ResourcePath, resourcePath)
	}
	if claims.FileSize != filesize {
		return Claims{}, fmt.Errorf("%w: token for %d bytes, request declares %d", ErrSizeMismatch, claims.FileSize, filesize)
	}
	return claims, nil
}
