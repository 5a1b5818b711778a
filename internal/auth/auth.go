// Package auth provides services for user authentication, including
// password hashing, JWT generation/validation, and refresh-token rotation.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"

	"dispatchengine/internal/models"
)

// bcryptCost is the cost factor for hashing passwords. A higher value is more
// secure but also slower. 14 is a strong and recommended value.
const bcryptCost = 14

// AuthService provides methods for handling JWT-based authentication and
// refresh-token rotation.
type AuthService struct {
	secret             []byte
	algorithm          string
	accessTokenExpire  time.Duration
	refreshTokenExpire time.Duration
}

// GooglePayload holds the essential claims extracted from a Google ID token.
type GooglePayload struct {
	Email   string
	Subject string
}

// NewAuthService creates a new AuthService. secret, accessExpire and
// refreshExpire are required — the config loader fails startup before this
// is ever called with a zero value.
func NewAuthService(secret, algorithm string, accessExpire, refreshExpire time.Duration) (*AuthService, error) {
	if secret == "" {
		return nil, errors.New("SECRET_KEY cannot be empty")
	}
	if accessExpire <= 0 || refreshExpire <= 0 {
		return nil, errors.New("access/refresh token expiry must be positive")
	}
	if algorithm == "" {
		algorithm = "HS256"
	}
	return &AuthService{
		secret:             []byte(secret),
		algorithm:          algorithm,
		accessTokenExpire:  accessExpire,
		refreshTokenExpire: refreshExpire,
	}, nil
}

// RefreshTokenExpire returns the configured refresh-token lifetime, for
// callers that need to persist a matching RefreshTokenRecord.ExpiresAt.
func (s *AuthService) RefreshTokenExpire() time.Duration {
	return s.refreshTokenExpire
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
func CheckPasswordHash(password string, hash *string) bool {
	if hash == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password)) == nil
}

// CreateAccessToken generates a new short-lived JWT access token.
func (s *AuthService) CreateAccessToken(userID string, role models.Role) (string, error) {
	claims := jwt.MapClaims{
		"sub":  userID,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(s.accessTokenExpire).Unix(),
		"role": string(role),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// CreateRefreshToken generates a new long-lived JWT refresh token carrying a
// fresh jti. The jti is the identity of the RefreshTokenRecord the caller
// must persist.
func (s *AuthService) CreateRefreshToken(userID string, role models.Role) (token string, jti string, err error) {
	jti = uuid.NewString()
	claims := jwt.MapClaims{
		"sub":  userID,
		"jti":  jti,
		"role": string(role),
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(s.refreshTokenExpire).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// ValidateJWT parses and validates an access token, returning its subject.
func (s *AuthService) ValidateJWT(tokenString string) (string, error) {
	claims, err := s.parseClaims(tokenString)
	if err != nil {
		return "", err
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("invalid token")
	}
	return sub, nil
}

// RefreshClaims holds the fields extracted from a validated refresh token.
type RefreshClaims struct {
	UserID string
	JTI    string
	Role   models.Role
}

// ValidateRefreshToken parses a refresh token and extracts its claims
// without consulting the RefreshTokenRecord store — callers must still
// check the record (revoked/expired/entity-exists).
func (s *AuthService) ValidateRefreshToken(tokenString string) (*RefreshClaims, error) {
	claims, err := s.parseClaims(tokenString)
	if err != nil {
		return nil, err
	}
	sub, _ := claims["sub"].(string)
	jti, _ := claims["jti"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || jti == "" {
		return nil, errors.New("refresh token missing sub/jti")
	}
	return &RefreshClaims{UserID: sub, JTI: jti, Role: models.Role(role)}, nil
}

func (s *AuthService) parseClaims(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ValidateGoogleJWT validates a Google-issued ID token against a specific
// client ID (audience).
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

// --- Refresh-token rotation ---

// RefreshStore is the persistence boundary refresh rotation depends on.
// internal/database implements this against the refresh_tokens and
// user_accounts tables.
type RefreshStore interface {
	CreateRefreshRecord(ctx context.Context, rec models.RefreshTokenRecord) error
	GetRefreshRecord(ctx context.Context, jti string) (*models.RefreshTokenRecord, error)
	RevokeRefreshRecord(ctx context.Context, jti string) error
	CopyAccountLinks(ctx context.Context, oldJTI, newJTI string) error
	UserExists(ctx context.Context, userID string, role models.Role) (bool, error)
}

// ErrRefreshInvalid is returned when a refresh token is unusable for any
// reason covered by the RefreshTokenRecord invariant (revoked, expired, or
// referenced entity gone).
var ErrRefreshInvalid = errors.New("refresh token is invalid or expired")

// RotateRefresh implements the access-refresh rotation flow: decode refresh,
// verify the record, mint a new jti, create new access+refresh tokens, copy
// user_accounts rows from old jti to new jti (conflict-ignore), and revoke
// the old jti. The caller is responsible for setting cookies.
func (s *AuthService) RotateRefresh(ctx context.Context, store RefreshStore, refreshToken string) (*models.RefreshResponse, error) {
	claims, err := s.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshInvalid, err)
	}

	record, err := store.GetRefreshRecord(ctx, claims.JTI)
	if err != nil {
		return nil, fmt.Errorf("%w: record lookup failed: %v", ErrRefreshInvalid, err)
	}
	if record == nil || record.Revoked || !record.ExpiresAt.After(time.Now()) {
		return nil, ErrRefreshInvalid
	}
	exists, err := store.UserExists(ctx, claims.UserID, claims.Role)
	if err != nil {
		return nil, fmt.Errorf("user existence check failed: %w", err)
	}
	if !exists {
		return nil, ErrRefreshInvalid
	}

	accessToken, err := s.CreateAccessToken(claims.UserID, claims.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to create access token: %w", err)
	}
	newRefreshToken, newJTI, err := s.CreateRefreshToken(claims.UserID, claims.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh token: %w", err)
	}

	if err := store.CreateRefreshRecord(ctx, models.RefreshTokenRecord{
		JTI:       newJTI,
		UserID:    claims.UserID,
		Role:      claims.Role,
		ExpiresAt: time.Now().Add(s.refreshTokenExpire),
	}); err != nil {
		return nil, fmt.Errorf("failed to persist new refresh record: %w", err)
	}
	// Carry over account links before revoking the old jti so a crash
	// between the two steps still leaves the new jti fully linked.
	if err := store.CopyAccountLinks(ctx, claims.JTI, newJTI); err != nil {
		return nil, fmt.Errorf("failed to copy user_accounts links: %w", err)
	}
	if err := store.RevokeRefreshRecord(ctx, claims.JTI); err != nil {
		return nil, fmt.Errorf("failed to revoke old refresh record: %w", err)
	}

	return &models.RefreshResponse{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		Role:         claims.Role,
	}, nil
}

// --- Password-reset tokens ---

// NewPasswordResetToken generates a cryptographically random 48-byte
// URL-safe token and returns both the raw token (to email, never
// persisted) and its SHA-256 hash (the only form that may be stored).
func NewPasswordResetToken() (rawToken string, tokenHash string, err error) {
	buf := make([]byte, 48)
	if _, err = rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate reset token: %w", err)
	}
	rawToken = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(rawToken))
	tokenHash = hex.EncodeToString(sum[:])
	return rawToken, tokenHash, nil
}

// HashResetToken hashes a raw reset token the same way NewPasswordResetToken
// does, for verifying a token a caller presents back.
func HashResetToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
