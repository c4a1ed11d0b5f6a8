package adapter

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingCredentials is returned when a request carries no Authorization header.
	ErrMissingCredentials = errors.New("missing header: Authorization")
	// ErrMalformedCredentials is returned when the Authorization header cannot be parsed.
	ErrMalformedCredentials = errors.New("malformed header: Authorization")
)

// Credentials are the GitHub login and token a Conan client presents.
type Credentials struct {
	User  string
	Token string
}

// ParseBearer decodes "Bearer base64(user:token)". The value is whatever
// /users/authenticate handed back to the client.
func ParseBearer(header string) (Credentials, error) {
	if header == "" {
		return Credentials{}, ErrMissingCredentials
	}
	encoded, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || encoded == "" {
		return Credentials{}, ErrMalformedCredentials
	}
	decoded, err := decodeBase64(encoded)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrMalformedCredentials, err)
	}
	user, token, ok := strings.Cut(decoded, ":")
	if !ok || user == "" || token == "" {
		return Credentials{}, ErrMalformedCredentials
	}
	return Credentials{User: user, Token: token}, nil
}

// ParseBasic returns the encoded part of "Basic <value>" unchanged so it can
// be echoed back as the bearer token.
func ParseBasic(header string) (string, error) {
	if header == "" {
		return "", ErrMissingCredentials
	}
	encoded, ok := strings.CutPrefix(header, "Basic ")
	if !ok || encoded == "" {
		return "", ErrMalformedCredentials
	}
	if _, err := ParseBearer("Bearer " + encoded); err != nil {
		return "", err
	}
	return encoded, nil
}

// EncodeBearer is the inverse of ParseBearer.
func EncodeBearer(creds Credentials) string {
	return "Bearer " + base64.StdEncoding.EncodeToString([]byte(creds.User+":"+creds.Token))
}

func decodeBase64(value string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(value, "="))
		if err != nil {
			return "", err
		}
	}
	return string(data), nil
}
