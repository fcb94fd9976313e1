package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	// Issuer is stamped on every token and required on validation.
	Issuer = "homecare-api"

	AccessTokenLifespan = 72 * time.Hour
)

var ErrInvalidToken = errors.New("auth: invalid token")

// Auth issues and validates the bearer tokens presented to the REST API and
// the realtime endpoint. Sign-in itself happens upstream.
type Auth interface {
	ValidateToken(token string, claims jwt.Claims) error
	GenerateAccessToken(userID, role string) (string, error)
}

type authImpl struct {
	secret   []byte
	lifespan time.Duration
	now      func() time.Time
}

func New(jwtSecret string) *authImpl {
	return &authImpl{
		secret:   []byte(jwtSecret),
		lifespan: AccessTokenLifespan,
		now:      time.Now,
	}
}
