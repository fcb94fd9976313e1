package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessToken_RoundTrip(t *testing.T) {
	a := New("secret")
	tok, err := a.GenerateAccessToken("prov_1", "PROVIDER")
	require.NoError(t, err)

	var claims AccessTokenClaims
	require.NoError(t, a.ValidateToken(tok, &claims))
	assert.Equal(t, "prov_1", claims.UserID)
	assert.Equal(t, "PROVIDER", claims.Role)
	assert.Equal(t, Issuer, claims.Issuer)
}

func TestValidateToken_Rejects(t *testing.T) {
	a := New("secret")
	sign := func(c AccessTokenClaims) string {
		str, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("secret"))
		require.NoError(t, err)
		return str
	}
	valid := AccessTokenClaims{
		StandardClaims: jwt.StandardClaims{Issuer: Issuer, ExpiresAt: time.Now().Add(time.Hour).Unix()},
		TokenUse:       tokenUseAccess,
		UserID:         "prov_1",
	}

	foreign, err := New("other").GenerateAccessToken("prov_1", "PROVIDER")
	require.NoError(t, err)

	expired := valid
	expired.ExpiresAt = time.Now().Add(-time.Hour).Unix()
	refresh := valid
	refresh.TokenUse = "refresh"
	anonymous := valid
	anonymous.UserID = ""
	otherIssuer := valid
	otherIssuer.Issuer = "someone-else"

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, valid).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"wrong secret":   foreign,
		"expired":        sign(expired),
		"not access":     sign(refresh),
		"no user":        sign(anonymous),
		"foreign issuer": sign(otherIssuer),
		"other method":   hs512,
		"garbage":        "garbage",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, a.ValidateToken(tok, &AccessTokenClaims{}), ErrInvalidToken)
		})
	}
	assert.NoError(t, a.ValidateToken(sign(valid), &AccessTokenClaims{}))
}

func TestGenerateAccessToken_Lifespan(t *testing.T) {
	a := New("secret")
	issued := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return issued }

	tok, err := a.GenerateAccessToken("cust_1", "CUSTOMER")
	require.NoError(t, err)

	var claims AccessTokenClaims
	_, _, err = new(jwt.Parser).ParseUnverified(tok, &claims)
	require.NoError(t, err)
	assert.Equal(t, issued.Add(AccessTokenLifespan).Unix(), claims.ExpiresAt)
	assert.Equal(t, "cust_1", claims.Subject)
}
