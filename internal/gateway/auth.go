// Package gateway fans one event stream out to WebSocket clients and
// gates which events reach durable storage.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims are the token claims carried by a client connection.
type Claims struct {
	ClientName string `json:"client_name,omitempty"`
	jwt.RegisteredClaims
}

// MintToken issues an HS256 token for a client.
func MintToken(secret, clientName string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("mint token: empty secret")
	}

	now := time.Now()
	claims := Claims{
		ClientName: clientName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "quorumd",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyToken parses and validates a token, returning the client name.
func VerifyToken(secret, tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return "", ErrUnauthorized
	}
	return claims.ClientName, nil
}

// bearerToken extracts the token from an Authorization header or, for
// browser WebSocket clients that cannot set headers, a query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	return r.URL.Query().Get("token")
}
