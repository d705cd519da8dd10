package bridge

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/emllm/port/internal/shared/types"
)

const tokenIssuer = "port-sandbox"

// Authenticator resolves an auth token to the app id it was issued for
type Authenticator interface {
	Authenticate(token string) (appID string, err error)
}

// Claims identify a sandbox instance
type Claims struct {
	AppID      string `json:"app_id"`
	InstanceID string `json:"instance_id"`
	jwt.RegisteredClaims
}

// Tokens mints and verifies HS256 instance tokens
type Tokens struct {
	secret []byte
}

// NewTokens creates a token service. An empty secret generates a random one,
// so tokens do not survive a restart.
func NewTokens(secret []byte) (*Tokens, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
	}
	return &Tokens{secret: secret}, nil
}

// Mint issues a token for an instance of an app
func (t *Tokens) Mint(appID, instanceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		AppID:      appID,
		InstanceID: instanceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   appID,
			ID:        instanceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token
func (t *Tokens) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, types.Errorf(types.CodeUnauthenticated, "invalid token: %v", err)
	}
	if claims.AppID == "" || claims.AppID != claims.Subject {
		return nil, types.NewError(types.CodeUnauthenticated, "invalid token: app claim mismatch")
	}
	return claims, nil
}

// Authenticate implements Authenticator
func (t *Tokens) Authenticate(token string) (string, error) {
	claims, err := t.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.AppID, nil
}
