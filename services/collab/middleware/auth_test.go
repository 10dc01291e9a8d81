// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, secret, subject, email string, expiry time.Duration) string {
	t.Helper()
	claims := collabClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestVerify_ValidToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, "user-1", "alice@example.com", time.Hour)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "alice@example.com", id.Email)
}

func TestVerify_Rejections(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", signToken(t, "other-secret", "user-1", "a@example.com", time.Hour)},
		{"expired", signToken(t, testSecret, "user-1", "a@example.com", -time.Minute)},
		{"missing subject", signToken(t, testSecret, "", "a@example.com", time.Hour)},
		{"missing email", signToken(t, testSecret, "user-1", "", time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestVerify_RejectsUnexpectedSigningMethod(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	// alg=none style token must never validate.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, collabClaims{
		Email:            "a@example.com",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer ABC123", "ABC123"},
		{"Bearer  spaced ", "spaced"},
		{"Basic abc123", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractBearerToken(tt.header), "header %q", tt.header)
	}
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := NewJWTVerifier(testSecret)

	router := gin.New()
	router.GET("/protected", AuthMiddleware(v), func(c *gin.Context) {
		id, ok := GetIdentity(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"email": id.Email})
	})

	t.Run("valid token passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "u1", "a@example.com", time.Hour))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "a@example.com")
	})

	t.Run("missing token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestNewJWTVerifier_PanicsOnEmptySecret(t *testing.T) {
	assert.Panics(t, func() { NewJWTVerifier("") })
}
