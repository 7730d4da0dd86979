package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the api-key JWT payload: subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// Verifier resolves api keys that are HS256 JWTs signed with a shared
// secret. Useful for single-box deployments without a separate auth service.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier using the given HMAC secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

func (v *Verifier) Resolve(_ context.Context, apiKey string) (User, error) {
	token, err := jwt.ParseWithClaims(apiKey, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		// Malformed, badly signed, and expired tokens are all just bad keys.
		return User{}, ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return User{}, ErrUnauthorized
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return User{}, ErrUnauthorized
	}
	return User{ID: userID, Name: claims.Name}, nil
}

// IssueKey creates a signed api key for the given user. Exposed for
// provisioning tooling and tests; the hub itself never calls it.
func IssueKey(secret []byte, user User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: user.Name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
