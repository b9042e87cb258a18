// Package auth supplies the bearer credential for upstream requests. The token
// itself is owned by an external auth service.
package auth

import (
	"context"
	"errors"
)

var ErrNoToken = errors.New("auth: no bearer token configured")

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same token.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// Optional sends no credential when the token is empty instead of failing.
type Optional string

func (o Optional) Token(context.Context) (string, error) { return string(o), nil }
