// Package auth provides services for operator/approver authentication:
// password hashing, JWT issuance/validation, and Google ID token validation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"
)

const (
	accessTokenDuration  = 24 * time.Hour
	refreshTokenDuration = 30 * 24 * time.Hour
	bcryptCost           = 14
)

// AuthService provides methods for handling JWT-based authentication.
type AuthService struct {
	jwtSecret []byte
}

// GooglePayload holds the essential claims extracted from a Google ID token.
type GooglePayload struct {
	Email   string
	Subject string
}

// NewAuthService creates and returns a new AuthService instance.
func NewAuthService(secret string) (*AuthService, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	return &AuthService{jwtSecret: []byte(secret)}, nil
}

// HashPassword generates a bcrypt hash from a given password string.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// CheckPasswordHash compares a plaintext password with a bcrypt hash.
func CheckPasswordHash(password string, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CreateAccessToken generates a new JWT access token carrying the
// principal's username and role.
func (s *AuthService) CreateAccessToken(username, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  username,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(accessTokenDuration).Unix(),
		"role": role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// CreateRefreshToken generates a new JWT refresh token for a given principal.
func (s *AuthService) CreateRefreshToken(username string) (string, error) {
	claims := jwt.MapClaims{
		"sub": username,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(refreshTokenDuration).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateJWT parses and validates a JWT, returning the subject (username).
func (s *AuthService) ValidateJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		if username, ok := claims["sub"].(string); ok {
			return username, nil
		}
	}
	return "", errors.New("invalid token")
}

// ValidateGoogleJWT validates a Google-issued ID token against audience.
func (s *AuthService) ValidateGoogleJWT(googleToken, audience string) (*GooglePayload, error) {
	payload, err := idtoken.Validate(context.Background(), googleToken, audience)
	if err != nil {
		return nil, fmt.Errorf("google token validation failed: %w", err)
	}

	email, ok := payload.Claims["email"].(string)
	if !ok || email == "" {
		return nil, errors.New("email claim is missing or empty in the Google token")
	}

	return &GooglePayload{Email: email, Subject: payload.Subject}, nil
}
