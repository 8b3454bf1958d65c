package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// issuer is stamped into every minted token and required on verification.
const issuer = "faultline"

// verifyLeeway absorbs clock skew between the token minter and the API.
const verifyLeeway = 30 * time.Second

// Claims identify a dashboard user. The user id travels in the standard
// "sub" claim; project roles are not embedded, they are resolved against
// memberships on every request so a role change applies immediately.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// UserID parses the subject back into a user id.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token subject %q: %w", c.Subject, err)
	}
	return id, nil
}

// TokenService issues and verifies bearer tokens. The API only verifies;
// issuance happens in the operator CLI.
type TokenService struct {
	secret   []byte
	duration time.Duration
	parser   *jwt.Parser
}

// NewTokenService builds a service around the shared HMAC secret. duration
// bounds the lifetime of tokens minted by Issue.
func NewTokenService(secret []byte, duration time.Duration) *TokenService {
	return &TokenService{
		secret:   secret,
		duration: duration,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(verifyLeeway),
		),
	}
}

// Issue mints a signed token for the user.
func (ts *TokenService) Issue(userID uuid.UUID, email string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ts.duration)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, algorithm, issuer and expiry, and returns the
// embedded claims. The parser's method allowlist rejects tokens signed
// with anything but HS256, alg-confusion included.
func (ts *TokenService) Verify(raw string) (*Claims, error) {
	token, err := ts.parser.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return ts.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
