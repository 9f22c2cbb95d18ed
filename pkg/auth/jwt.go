// Package auth authenticates API callers. Tokens are HS256 JWTs whose
// subject is the actor recorded on audit events and proofs.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the shortest accepted HMAC secret.
const MinSecretLen = 32

// Claims are the JWT claims expected by the API.
type Claims struct {
	jwt.RegisteredClaims
	WorkspaceID string   `json:"workspace_id"`
	Roles       []string `json:"roles"`
}

// JWTValidator validates and issues tokens.
type JWTValidator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTValidator creates a validator for secret. A non-empty issuer is
// both stamped on issued tokens and required on validated ones.
func NewJWTValidator(secret []byte, issuer string) (*JWTValidator, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("auth: jwt secret must be at least %d bytes", MinSecretLen)
	}
	return &JWTValidator{secret: append([]byte(nil), secret...), issuer: issuer, now: time.Now}, nil
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("auth: validator uninitialized")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}

// Authenticate validates tokenStr and returns its principal. Subject and
// workspace binding are required.
func (v *JWTValidator) Authenticate(tokenStr string) (Principal, error) {
	claims, err := v.Validate(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("auth: token subject is required")
	}
	if claims.WorkspaceID == "" {
		return nil, errors.New("auth: token workspace binding is required")
	}
	return &BasePrincipal{ID: claims.Subject, WorkspaceID: claims.WorkspaceID, Roles: claims.Roles}, nil
}

// Issue signs a token for subject valid for ttl.
func (v *JWTValidator) Issue(subject, workspaceID string, roles []string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		WorkspaceID: workspaceID,
		Roles:       roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
