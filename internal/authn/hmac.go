package authn

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// HMACValidator accepts HS256/384/512 tokens signed with a shared secret.
type HMACValidator struct {
	secret []byte
	issuer string
}

func NewHMACValidator(secret, issuer string) *HMACValidator {
	return &HMACValidator{
		secret: []byte(secret),
		issuer: issuer,
	}
}

func (h *HMACValidator) Method() string { return "hmac" }

func (h *HMACValidator) Validate(_ context.Context, raw string) (Identity, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
		}
		return h.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	return identityFromClaims(claims, h.issuer)
}
