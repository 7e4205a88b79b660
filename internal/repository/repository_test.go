package repository

import (
	"path/filepath"
	"testing"

	"github.com/liliang-cn/askchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "state", "askchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCredentialRepository(t *testing.T) {
	repo := NewCredentialRepository(newTestDB(t))
	const backend = "https://rag.example.com"

	_, err := repo.Get(backend)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.Save(&Credential{BackendURL: backend, Token: "t1", Email: "me@example.com", UserID: "u1"}))
	cred, err := repo.Get(backend)
	require.NoError(t, err)
	assert.Equal(t, "t1", cred.Token)
	assert.Equal(t, "me@example.com", cred.Email)
	assert.False(t, cred.UpdatedAt.IsZero())

	require.NoError(t, repo.UpdateToken(backend, "t2"))
	cred, err = repo.Get(backend)
	require.NoError(t, err)
	assert.Equal(t, "t2", cred.Token)
	assert.Equal(t, "u1", cred.UserID)

	require.NoError(t, repo.UpdateToken(backend, ""))
	_, err = repo.Get(backend)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, repo.Save(&Credential{BackendURL: backend}), domain.ErrInvalidRequest)
}

func TestCredentialsArePerBackend(t *testing.T) {
	repo := NewCredentialRepository(newTestDB(t))

	require.NoError(t, repo.Save(&Credential{BackendURL: "a", Token: "ta"}))
	require.NoError(t, repo.Save(&Credential{BackendURL: "b", Token: "tb"}))
	require.NoError(t, repo.Delete("a"))

	_, err := repo.Get("a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	cred, err := repo.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "tb", cred.Token)
}

func TestPreferenceRepository(t *testing.T) {
	repo := NewPreferenceRepository(newTestDB(t))
	const backend = "https://rag.example.com"

	_, err := repo.Get(backend, PrefSession)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.Set(backend, PrefSession, "s1"))
	require.NoError(t, repo.Set(backend, PrefSession, "s2"))
	require.NoError(t, repo.Set(backend, PrefAssistant, "a1"))
	require.NoError(t, repo.Set("other", PrefSession, "x"))

	v, err := repo.Get(backend, PrefSession)
	require.NoError(t, err)
	assert.Equal(t, "s2", v)

	require.NoError(t, repo.Delete(backend, PrefSession))
	_, err = repo.Get(backend, PrefSession)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.Clear(backend))
	_, err = repo.Get(backend, PrefAssistant)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	v, err = repo.Get("other", PrefSession)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}
