package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/liliang-cn/askchat/internal/domain"
)

// Preference keys
const (
	PrefAssistant = "assistant_id"
	PrefSession   = "session_id"
)

// PreferenceRepository stores per-backend client choices such as the last
// selected assistant and session
type PreferenceRepository struct {
	db *DB
}

// NewPreferenceRepository creates a new preference repository
func NewPreferenceRepository(db *DB) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// Set stores a value
func (r *PreferenceRepository) Set(backendURL, key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO preferences (backend_url, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(backend_url, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, backendURL, key, value, time.Now())
	return err
}

// Get returns a stored value or domain.ErrNotFound
func (r *PreferenceRepository) Get(backendURL, key string) (string, error) {
	var value string
	err := r.db.QueryRow(`
		SELECT value FROM preferences WHERE backend_url = ? AND key = ?
	`, backendURL, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return value, err
}

// Delete removes a value
func (r *PreferenceRepository) Delete(backendURL, key string) error {
	_, err := r.db.Exec(`DELETE FROM preferences WHERE backend_url = ? AND key = ?`, backendURL, key)
	return err
}

// Clear removes every value stored for a backend
func (r *PreferenceRepository) Clear(backendURL string) error {
	_, err := r.db.Exec(`DELETE FROM preferences WHERE backend_url = ?`, backendURL)
	return err
}
