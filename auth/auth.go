// Package auth resolves client api keys to users.
//
// The hub itself never issues credentials; it only consumes them. Two
// resolvers are provided: Client asks an external auth service over HTTP,
// Verifier validates self-contained HS256 tokens locally with a shared
// secret. Pick one with AUTH_MODE.
package auth

import (
	"context"
	"errors"
)

// User identifies an authenticated owner of a task-list document.
type User struct {
	ID   int64  `json:"user_id"`
	Name string `json:"username"`
}

// ErrUnauthorized means the api key is unknown, expired, or revoked.
// Every other resolver error is an internal failure and must not be shown
// to the client as an authentication verdict.
var ErrUnauthorized = errors.New("api key unauthorized")

// Resolver maps an api key to its owning user.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (User, error)
}
