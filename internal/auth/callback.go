package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Callback token kinds. A token only addresses rows of its own kind.
const (
	KindGeneration = "generation"
	KindTraining   = "training"
)

const callbackIssuer = "photoforge"

// CallbackClaims is embedded in the webhook URL handed to Replicate.
type CallbackClaims struct {
	Kind     string    `json:"kind"`
	TargetID uuid.UUID `json:"tid"`
	jwt.RegisteredClaims
}

// NewCallbackToken signs a token for one generation or training row.
// ttl <= 0 means the token never expires.
func NewCallbackToken(kind string, targetID uuid.UUID, secret string, ttl time.Duration) (string, error) {
	if kind != KindGeneration && kind != KindTraining {
		return "", fmt.Errorf("callback token: unknown kind %q", kind)
	}
	if secret == "" {
		return "", fmt.Errorf("callback token: empty secret")
	}
	now := time.Now()
	claims := CallbackClaims{
		Kind:     kind,
		TargetID: targetID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   callbackIssuer,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.New().String(),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}

func ParseCallbackToken(tokenString, secret string) (*CallbackClaims, error) {
	t, err := jwt.ParseWithClaims(tokenString, &CallbackClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(callbackIssuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	c, ok := t.Claims.(*CallbackClaims)
	if !ok || !t.Valid || c.TargetID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	if c.Kind != KindGeneration && c.Kind != KindTraining {
		return nil, ErrInvalidToken
	}
	return c, nil
}
