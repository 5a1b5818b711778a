// Package handlers contains the HTTP handlers for the application's API endpoints.
package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"dispatchengine/internal/auth"
	"dispatchengine/internal/database"
	"dispatchengine/internal/models"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

// UserContextKey is the key used to store the user object in the request context.
const UserContextKey = ContextKey("user")

const (
	accessCookieName  = "access_token"
	refreshCookieName = "refresh_token"
	roleCookieName    = "role"
)

// AuthHandler handles all authentication-related HTTP requests.
type AuthHandler struct {
	DB             *database.DB
	AuthService    *auth.AuthService
	GoogleClientID string
}

// AuthMiddleware is a middleware that validates a JWT token and injects the user
// into the request context. It handles tokens from the Authorization header,
// the access_token cookie, and the 'token' query parameter (for WebSocket
// connections).
func (h *AuthHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractToken(r)
		if tokenString == "" {
			RespondWithError(w, http.StatusUnauthorized, "Authorization token is missing")
			return
		}

		userID, err := h.AuthService.ValidateJWT(tokenString)
		if err != nil {
			log.Printf("Token validation failed for %s: %v", r.URL.Path, err)
			RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		user, err := h.DB.GetUserByID(userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				RespondWithError(w, http.StatusUnauthorized, "User from token not found")
			} else {
				log.Printf("Server error looking up user '%s': %v", userID, err)
				RespondWithError(w, http.StatusInternalServerError, "Server error while looking up user")
			}
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Login handles user login with a username and password.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if req.Username == "" || req.Password == "" {
		RespondWithError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user, err := h.DB.GetUserByUsername(req.Username)
	if err != nil || user.Provider != "password" {
		log.Printf("Login failed for user '%s': user not found or not a password-based account. IP: %s", req.Username, getClientIP(r))
		RespondWithError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	if !auth.CheckPasswordHash(req.Password, user.HashedPassword) {
		log.Printf("Login failed for user '%s': invalid password. IP: %s", req.Username, getClientIP(r))
		RespondWithError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	h.issueTokens(w, user)
	log.Printf("User '%s' logged in successfully.", user.Username)
}

// Register handles the creation of a new user account.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if req.Username == "" || req.Password == "" {
		RespondWithError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	_, err := h.DB.GetUserByUsername(req.Username)
	if err == nil {
		RespondWithError(w, http.StatusConflict, "A user with this username already exists")
		return
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Printf("Server error checking for user existence: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "Server error while checking for user")
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("Server error hashing password: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "Server error while hashing password")
		return
	}

	newUser, err := h.DB.CreateUser(req.Username, hashedPassword)
	if err != nil {
		log.Printf("Failed to create user: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	log.Printf("New user registered: %s (ID: %s)", newUser.Username, newUser.ID)
	h.issueTokens(w, newUser)
}

// Refresh rotates a refresh token: the old jti is revoked, a new
// jti/access/refresh pair is minted, and user_accounts links carry over.
// The refresh token is read from the refresh_token cookie if present,
// falling back to a JSON body for non-browser callers.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := refreshTokenFromCookie(r)
	if refreshToken == "" {
		var req models.RefreshTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			refreshToken = req.RefreshToken
		}
	}
	if refreshToken == "" {
		RespondWithError(w, http.StatusBadRequest, "Refresh token is missing")
		return
	}

	resp, err := h.AuthService.RotateRefresh(r.Context(), h.DB, refreshToken)
	if err != nil {
		log.Printf("Refresh rotation failed: %v", err)
		clearAuthCookies(w)
		RespondWithError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}

	setAuthCookies(w, resp.AccessToken, resp.RefreshToken, resp.Role)
	RespondWithJSON(w, http.StatusOK, resp)
}

// Me returns the details of the currently authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := r.Context().Value(UserContextKey).(*models.User)
	if !ok {
		RespondWithError(w, http.StatusInternalServerError, "Could not retrieve user from context")
		return
	}
	response := models.UserResponse{ID: user.ID, Username: user.Username, Role: user.Role, CreatedAt: user.CreatedAt}
	RespondWithJSON(w, http.StatusOK, response)
}

// GoogleLogin handles user sign-in via a Google ID token.
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.GoogleAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	payload, err := h.AuthService.ValidateGoogleJWT(req.Token, h.GoogleClientID)
	if err != nil {
		log.Printf("Google token verification failed: %v", err)
		RespondWithError(w, http.StatusUnauthorized, "Invalid Google token")
		return
	}

	user, err := h.DB.FindOrCreateGoogleUser(payload.Email, payload.Subject)
	if err != nil {
		log.Printf("Failed to find or create google user: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to find or create user")
		return
	}

	h.issueTokens(w, user)
	log.Printf("User '%s' successfully logged in via Google.", user.Username)
}

// issueTokens mints an access/refresh pair for user, persists the refresh
// record (so it can later be rotated), sets both as cookies, and writes
// the JSON response.
func (h *AuthHandler) issueTokens(w http.ResponseWriter, user *models.User) {
	accessToken, err := h.AuthService.CreateAccessToken(user.ID, user.Role)
	if err != nil {
		log.Printf("Failed to create access token for user '%s': %v", user.Username, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to create access token")
		return
	}
	refreshToken, jti, err := h.AuthService.CreateRefreshToken(user.ID, user.Role)
	if err != nil {
		log.Printf("Failed to create refresh token for user '%s': %v", user.Username, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to create refresh token")
		return
	}

	if err := h.DB.CreateRefreshRecord(context.Background(), models.RefreshTokenRecord{
		JTI:       jti,
		UserID:    user.ID,
		Role:      user.Role,
		ExpiresAt: time.Now().Add(h.AuthService.RefreshTokenExpire()),
	}); err != nil {
		log.Printf("Failed to persist refresh record for user '%s': %v", user.Username, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to persist refresh record")
		return
	}

	setAuthCookies(w, accessToken, refreshToken, user.Role)

	response := map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"user":          models.UserResponse{ID: user.ID, Username: user.Username, Role: user.Role, CreatedAt: user.CreatedAt},
	}
	RespondWithJSON(w, http.StatusOK, response)
}

func setAuthCookies(w http.ResponseWriter, accessToken, refreshToken string, role models.Role) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    accessToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    refreshToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	// The role cookie is readable by the frontend for routing decisions, so
	// it stays non-HttpOnly.
	http.SetCookie(w, &http.Cookie{
		Name:     roleCookieName,
		Value:    string(role),
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
}

func clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{accessCookieName, refreshCookieName, roleCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
		})
	}
}

func refreshTokenFromCookie(r *http.Request) string {
	c, err := r.Cookie(refreshCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// extractToken retrieves the JWT from the Authorization header, the
// access_token cookie, or the 'token' query parameter (WebSocket upgrades).
func extractToken(r *http.Request) string {
	if strings.Contains(r.URL.Path, "/ws") {
		return r.URL.Query().Get("token")
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	if c, err := r.Cookie(accessCookieName); err == nil {
		return c.Value
	}

	return ""
}
