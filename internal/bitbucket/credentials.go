package bitbucket

import (
	"encoding/base64"
	"strings"
)

// Credentials carries the resolved Basic token for upstream calls.
// Two credentials are the same identity when their tokens are equal.
type Credentials struct {
	token    string
	username string
}

// NewTokenCredentials creates credentials from an already encoded Basic token.
func NewTokenCredentials(token string) (Credentials, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Credentials{}, NewValidationError("authorization", "token is required")
	}
	return Credentials{token: trimmed}, nil
}

// NewBasicCredentials creates credentials from a username and app password.
func NewBasicCredentials(username, secret string) (Credentials, error) {
	trimmedUser := strings.TrimSpace(username)
	validation := &ValidationError{}
	if trimmedUser == "" {
		validation.Add("username", "username is required")
	}
	if strings.TrimSpace(secret) == "" {
		validation.Add("appPassword", "app password is required")
	}
	if err := validation.OrNil(); err != nil {
		return Credentials{}, err
	}

	token := base64.StdEncoding.EncodeToString([]byte(trimmedUser + ":" + secret))
	return Credentials{token: token, username: trimmedUser}, nil
}

// Token returns the encoded token. It doubles as the identity cache key.
func (c Credentials) Token() string {
	return c.token
}

// Username returns the username when the credentials were built from one.
func (c Credentials) Username() string {
	return c.username
}

// AuthorizationHeader returns the header value sent upstream.
func (c Credentials) AuthorizationHeader() string {
	return "Basic " + c.token
}

// IsZero reports whether the credentials were never constructed.
func (c Credentials) IsZero() bool {
	return c.token == ""
}
