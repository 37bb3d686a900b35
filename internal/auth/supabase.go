package auth

import (
	"errors"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Supabase access token claims: sub = user id.
type supabaseClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks Supabase access tokens, preferring JWKS (asymmetric signing
// keys) and falling back to the legacy HS256 project secret.
type Verifier struct {
	JWKS   *keyfunc.JWKS
	Secret string
}

// NewVerifier fetches the project's JWKS when supabaseURL is set. A JWKS
// fetch failure is returned alongside a verifier that still works with the
// legacy secret.
func NewVerifier(supabaseURL, secret string) (*Verifier, error) {
	v := &Verifier{Secret: secret}
	if supabaseURL == "" {
		return v, nil
	}
	jwks, err := keyfunc.Get(supabaseURL+"/auth/v1/.well-known/jwks.json", keyfunc.Options{})
	if err != nil {
		return v, err
	}
	v.JWKS = jwks
	return v, nil
}

func (v *Verifier) Verify(token string) (uuid.UUID, string, error) {
	if v == nil {
		return uuid.Nil, "", errors.New("verifier not configured")
	}
	if v.JWKS != nil {
		return VerifySupabaseTokenJWKS(token, v.JWKS)
	}
	return VerifySupabaseToken(token, v.Secret)
}

// Close stops the JWKS background refresh.
func (v *Verifier) Close() {
	if v != nil && v.JWKS != nil {
		v.JWKS.EndBackground()
	}
}

// VerifySupabaseToken verifies with the legacy HS256 secret.
func VerifySupabaseToken(tokenString, secret string) (userID uuid.UUID, email string, err error) {
	if secret == "" {
		return uuid.Nil, "", errors.New("supabase JWT secret not set")
	}
	t, err := jwt.ParseWithClaims(tokenString, &supabaseClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}
	return extractClaims(t)
}

// VerifySupabaseTokenJWKS verifies with the project's JWKS.
func VerifySupabaseTokenJWKS(tokenString string, jwks *keyfunc.JWKS) (userID uuid.UUID, email string, err error) {
	if jwks == nil {
		return uuid.Nil, "", errors.New("jwks not set")
	}
	t, err := jwt.ParseWithClaims(tokenString, &supabaseClaims{}, jwks.Keyfunc)
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}
	return extractClaims(t)
}

func extractClaims(t *jwt.Token) (userID uuid.UUID, email string, err error) {
	c, ok := t.Claims.(*supabaseClaims)
	if !ok || !t.Valid || c.Sub == "" || c.Role == "anon" {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(c.Sub)
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}
	return id, c.Email, nil
}
