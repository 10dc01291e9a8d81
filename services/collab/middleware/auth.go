// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides authentication for the collaboration service.
//
// # Authentication Flow
//
// HTTP routes use AuthMiddleware, which extracts a bearer token from the
// Authorization header, verifies it, and stores the resulting Identity in
// the Gin context for downstream handlers.
//
// Socket connections cannot always set headers, so the connection handler
// calls the TokenVerifier directly with a token taken from the query string
// (falling back to the Authorization header when present).
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates a missing, malformed, or invalid credential.
var ErrUnauthorized = errors.New("unauthorized")

// =============================================================================
// Identity
// =============================================================================

// Identity is the authenticated user behind a request or connection.
type Identity struct {
	UserID string
	Email  string
}

// identityKey is the Gin context key for storing Identity.
const identityKey = "devsync_identity"

// SetIdentity stores the authenticated identity in the Gin context.
func SetIdentity(c *gin.Context, id Identity) {
	c.Set(identityKey, id)
}

// GetIdentity retrieves the authenticated identity from the Gin context.
// The second return is false when the request was not authenticated.
func GetIdentity(c *gin.Context) (Identity, bool) {
	if v, exists := c.Get(identityKey); exists {
		if id, ok := v.(Identity); ok {
			return id, true
		}
	}
	return Identity{}, false
}

// =============================================================================
// Interface Definition
// =============================================================================

// TokenVerifier validates a credential and resolves the identity behind it.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// =============================================================================
// JWT Verifier
// =============================================================================

// collabClaims is the expected token shape: registered claims plus the
// user's email.
type collabClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens issued by the account service.
//
// # Thread Safety
//
// Safe for concurrent use.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for HS256 tokens signed with secret.
// Panics on an empty secret: a blank signing key silently accepts forged
// tokens, which must never ship.
func NewJWTVerifier(secret string) *JWTVerifier {
	if secret == "" {
		panic("middleware: JWT secret cannot be empty")
	}
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning the identity it carries.
//
// # Outputs
//
//   - Identity: the token's subject and email claims.
//   - error: wraps ErrUnauthorized for any invalid, expired, or
//     incomplete token.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("empty token: %w", ErrUnauthorized)
	}

	parsed, err := jwt.ParseWithClaims(token, &collabClaims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w: %w", err, ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(*collabClaims)
	if !ok || !parsed.Valid {
		return Identity{}, fmt.Errorf("invalid claims: %w", ErrUnauthorized)
	}
	if claims.Subject == "" || claims.Email == "" {
		return Identity{}, fmt.Errorf("incomplete claims: %w", ErrUnauthorized)
	}

	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests via
// bearer token.
//
// # Description
//
// Extracts the token from "Authorization: Bearer <token>", verifies it, and
// stores the Identity for downstream handlers. Requests without a valid
// token are rejected with 401 before reaching the handler.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	if verifier == nil {
		panic("middleware: verifier cannot be nil")
	}
	return func(c *gin.Context) {
		token := ExtractBearerToken(c.GetHeader("Authorization"))

		identity, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}

		SetIdentity(c, identity)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// ExtractBearerToken parses an Authorization header value expecting
// "Bearer <token>". The scheme is case-insensitive per RFC 7235. Returns
// "" when the header is missing or malformed.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ TokenVerifier = (*JWTVerifier)(nil)
