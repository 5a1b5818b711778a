package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dispatchengine/internal/models"
)

// fakeRefreshStore is an in-memory RefreshStore backing the RotateRefresh
// tests below, standing in for internal/database's refresh_tokens and
// user_accounts tables.
type fakeRefreshStore struct {
	records      map[string]models.RefreshTokenRecord
	accountLinks map[string][]string // jti -> account_ids
	usersExist   bool
}

func newFakeRefreshStore() *fakeRefreshStore {
	return &fakeRefreshStore{
		records:      map[string]models.RefreshTokenRecord{},
		accountLinks: map[string][]string{},
		usersExist:   true,
	}
}

func (f *fakeRefreshStore) CreateRefreshRecord(ctx context.Context, rec models.RefreshTokenRecord) error {
	f.records[rec.JTI] = rec
	return nil
}

func (f *fakeRefreshStore) GetRefreshRecord(ctx context.Context, jti string) (*models.RefreshTokenRecord, error) {
	rec, ok := f.records[jti]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (f *fakeRefreshStore) RevokeRefreshRecord(ctx context.Context, jti string) error {
	rec := f.records[jti]
	rec.Revoked = true
	f.records[jti] = rec
	return nil
}

func (f *fakeRefreshStore) CopyAccountLinks(ctx context.Context, oldJTI, newJTI string) error {
	f.accountLinks[newJTI] = append(f.accountLinks[newJTI], f.accountLinks[oldJTI]...)
	return nil
}

func (f *fakeRefreshStore) UserExists(ctx context.Context, userID string, role models.Role) (bool, error) {
	return f.usersExist, nil
}

func TestRotateRefreshRevokesOldAndCarriesLinks(t *testing.T) {
	svc, err := NewAuthService("test-secret", "HS256", time.Minute, 24*time.Hour)
	require.NoError(t, err)

	store := newFakeRefreshStore()
	refreshToken, oldJTI, err := svc.CreateRefreshToken("user-1", models.RoleUser)
	require.NoError(t, err)
	require.NoError(t, store.CreateRefreshRecord(context.Background(), models.RefreshTokenRecord{
		JTI: oldJTI, UserID: "user-1", Role: models.RoleUser, ExpiresAt: time.Now().Add(time.Hour),
	}))
	store.accountLinks[oldJTI] = []string{"acct-crm-1"}

	resp, err := svc.RotateRefresh(context.Background(), store, refreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)

	// The old jti must be revoked.
	oldRec := store.records[oldJTI]
	require.True(t, oldRec.Revoked)

	// The new jti exists, is not revoked, and inherited the account links.
	newClaims, err := svc.ValidateRefreshToken(resp.RefreshToken)
	require.NoError(t, err)
	newRec, ok := store.records[newClaims.JTI]
	require.True(t, ok)
	require.False(t, newRec.Revoked)
	require.ElementsMatch(t, []string{"acct-crm-1"}, store.accountLinks[newClaims.JTI])
}

func TestRotateRefreshRejectsRevoked(t *testing.T) {
	svc, err := NewAuthService("test-secret", "HS256", time.Minute, 24*time.Hour)
	require.NoError(t, err)
	store := newFakeRefreshStore()

	refreshToken, jti, err := svc.CreateRefreshToken("user-1", models.RoleUser)
	require.NoError(t, err)
	require.NoError(t, store.CreateRefreshRecord(context.Background(), models.RefreshTokenRecord{
		JTI: jti, UserID: "user-1", Role: models.RoleUser, ExpiresAt: time.Now().Add(time.Hour), Revoked: true,
	}))

	_, err = svc.RotateRefresh(context.Background(), store, refreshToken)
	require.ErrorIs(t, err, ErrRefreshInvalid)
}

func TestRotateRefreshRejectsMissingEntity(t *testing.T) {
	svc, err := NewAuthService("test-secret", "HS256", time.Minute, 24*time.Hour)
	require.NoError(t, err)
	store := newFakeRefreshStore()
	store.usersExist = false

	refreshToken, jti, err := svc.CreateRefreshToken("ghost", models.RoleUser)
	require.NoError(t, err)
	require.NoError(t, store.CreateRefreshRecord(context.Background(), models.RefreshTokenRecord{
		JTI: jti, UserID: "ghost", Role: models.RoleUser, ExpiresAt: time.Now().Add(time.Hour),
	}))

	_, err = svc.RotateRefresh(context.Background(), store, refreshToken)
	require.ErrorIs(t, err, ErrRefreshInvalid)
}

func TestPasswordResetTokenNeverPersistsRaw(t *testing.T) {
	raw, hash, err := NewPasswordResetToken()
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.Len(t, hash, 64) // hex-encoded SHA-256
	require.NotEqual(t, raw, hash)

	// Verifying a presented raw token must reduce to the same hash.
	require.Equal(t, hash, HashResetToken(raw))
}

func TestCreateAndValidateAccessToken(t *testing.T) {
	svc, err := NewAuthService("test-secret", "HS256", time.Minute, 24*time.Hour)
	require.NoError(t, err)

	tok, err := svc.CreateAccessToken("user-42", models.RoleBusiness)
	require.NoError(t, err)
	sub, err := svc.ValidateJWT(tok)
	require.NoError(t, err)
	require.Equal(t, "user-42", sub)
}

func TestNewAuthServiceRejectsEmptySecret(t *testing.T) {
	_, err := NewAuthService("", "HS256", time.Minute, time.Hour)
	require.Error(t, err)
}
