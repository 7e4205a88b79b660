package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/liliang-cn/askchat/internal/domain"
)

// Credential is a stored login for one backend
type Credential struct {
	BackendURL string
	Token      string
	Email      string
	UserID     string
	UpdatedAt  time.Time
}

// CredentialRepository handles credential persistence
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Save stores or replaces the credential for its backend
func (r *CredentialRepository) Save(cred *Credential) error {
	if cred.BackendURL == "" || cred.Token == "" {
		return domain.ErrInvalidRequest
	}
	cred.UpdatedAt = time.Now()

	_, err := r.db.Exec(`
		INSERT INTO credentials (backend_url, token, email, user_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(backend_url) DO UPDATE SET
			token = excluded.token,
			email = excluded.email,
			user_id = excluded.user_id,
			updated_at = excluded.updated_at
	`, cred.BackendURL, cred.Token, cred.Email, cred.UserID, cred.UpdatedAt)

	return err
}

// UpdateToken replaces only the token, keeping the stored identity.
func (r *CredentialRepository) UpdateToken(backendURL, token string) error {
	if token == "" {
		return r.Delete(backendURL)
	}
	_, err := r.db.Exec(`
		INSERT INTO credentials (backend_url, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(backend_url) DO UPDATE SET
			token = excluded.token,
			updated_at = excluded.updated_at
	`, backendURL, token, time.Now())
	return err
}

// Get retrieves the credential for a backend
func (r *CredentialRepository) Get(backendURL string) (*Credential, error) {
	cred := &Credential{}
	var email, userID sql.NullString

	err := r.db.QueryRow(`
		SELECT backend_url, token, email, user_id, updated_at
		FROM credentials WHERE backend_url = ?
	`, backendURL).Scan(&cred.BackendURL, &cred.Token, &email, &userID, &cred.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cred.Email = email.String
	cred.UserID = userID.String
	return cred, nil
}

// Delete removes the credential for a backend
func (r *CredentialRepository) Delete(backendURL string) error {
	_, err := r.db.Exec(`DELETE FROM credentials WHERE backend_url = ?`, backendURL)
	return err
}
