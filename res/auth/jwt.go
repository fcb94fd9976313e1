package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt"
)

const tokenUseAccess = "access"

// AccessTokenClaims identify the actor behind a request. Role is the store
// user role at the time the token was issued.
type AccessTokenClaims struct {
	jwt.StandardClaims

	TokenUse string `json:"token_use"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
}

func (c AccessTokenClaims) Valid() error {
	if err := c.StandardClaims.Valid(); err != nil {
		return err
	}
	switch {
	case c.TokenUse != tokenUseAccess:
		return fmt.Errorf("token_use %q is not an access token", c.TokenUse)
	case c.UserID == "":
		return fmt.Errorf("missing user_id")
	case !c.VerifyIssuer(Issuer, true):
		return fmt.Errorf("unexpected issuer %q", c.Issuer)
	}
	return nil
}

// ValidateToken checks an HS256 token and decodes it into claims. Every
// failure wraps ErrInvalidToken.
func (a *authImpl) ValidateToken(token string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, a.keyFunc)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (a *authImpl) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return a.secret, nil
}

func (a *authImpl) GenerateAccessToken(userID, role string) (string, error) {
	now := a.now()
	claims := AccessTokenClaims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    Issuer,
			Subject:   userID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(a.lifespan).Unix(),
		},
		TokenUse: tokenUseAccess,
		UserID:   userID,
		Role:     role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign access token: %w", err)
	}
	return signed, nil
}
