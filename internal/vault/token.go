// ABOUTME: Reads user identity and expiry out of a bare JWT without verifying its signature
// ABOUTME: Used to rebuild an offline session when only the raw credential survived

package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is the identity carried by a bare token.
type Claims struct {
	User      User
	ExpiresAt time.Time // zero when the token has no exp claim
}

// ParseClaims extracts identity from token without checking the signature.
// The server already accepted this token when it was issued; offline we only
// need to know who it belongs to.
func ParseClaims(token string) (*Claims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	out := &Claims{
		User: User{
			ID:        sub,
			Email:     stringClaim(claims, "email"),
			Name:      stringClaim(claims, "name"),
			Phone:     stringClaim(claims, "phone"),
			Plan:      stringClaim(claims, "plan"),
			AvatarURL: stringClaim(claims, "avatar_url"),
		},
	}
	if out.User.Plan == "" {
		out.User.Plan = "free"
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: exp: %v", ErrInvalidToken, err)
	}
	if exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func stringClaim(c jwt.MapClaims, name string) string {
	s, _ := c[name].(string)
	return s
}

// Issuer signs HS256 tokens carrying a User. The sync server side and tests
// use it; the vault itself never needs the secret.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an Issuer for secret.
func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret}
}

// Generate creates a token for user that expires after expiresIn from now.
func (i *Issuer) Generate(user User, now time.Time, expiresIn time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  user.ID,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
		"plan": user.Plan,
	}
	if user.Email != "" {
		claims["email"] = user.Email
	}
	if user.Name != "" {
		claims["name"] = user.Name
	}
	if user.Phone != "" {
		claims["phone"] = user.Phone
	}
	if user.AvatarURL != "" {
		claims["avatar_url"] = user.AvatarURL
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
