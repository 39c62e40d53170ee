package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"ralphd/internal/types"
)

const llmConfigColumns = "id, provider, encrypted_api_key, is_active, created_at, updated_at"

// UpsertLlmConfig stores or replaces the credential row for a provider.
// The key arrives as opaque ciphertext; the store never sees plaintext.
func (s *Store) UpsertLlmConfig(provider types.Provider, encryptedKey []byte, active bool) (*types.LlmConfig, error) {
	if !types.ValidProvider(provider) {
		return nil, types.Validationf("unknown provider %q", provider)
	}
	if len(encryptedKey) == 0 {
		return nil, types.Validationf("encrypted key must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, translateErr(err)
	}
	defer tx.Rollback()

	if active {
		// At most one active provider at a time.
		if _, err := tx.Exec(`UPDATE llm_configs SET is_active = 0 WHERE provider != ?`, provider); err != nil {
			return nil, translateErr(err)
		}
	}

	ts := now()
	_, err = tx.Exec(
		`INSERT INTO llm_configs (`+llmConfigColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET
			encrypted_api_key = excluded.encrypted_api_key,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		uuid.NewString(), provider, encryptedKey, active, ts, ts,
	)
	if err != nil {
		return nil, translateErr(err)
	}

	// On the update path the row keeps its original id and created_at;
	// re-read so callers see the persisted identity.
	row := tx.QueryRow(`SELECT `+llmConfigColumns+` FROM llm_configs WHERE provider = ?`, provider)
	cfg, err := scanLlmConfig(row)
	if err != nil {
		return nil, translateErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, translateErr(err)
	}
	return cfg, nil
}

// GetLlmConfig fetches the credential row for a provider.
func (s *Store) GetLlmConfig(provider types.Provider) (*types.LlmConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+llmConfigColumns+` FROM llm_configs WHERE provider = ?`, provider)
	cfg, err := scanLlmConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("llm config for %s", provider)
	}
	return cfg, err
}

// ActiveLlmConfig returns the currently active provider config, or
// ErrNotFound when none is marked active.
func (s *Store) ActiveLlmConfig() (*types.LlmConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT ` + llmConfigColumns + ` FROM llm_configs WHERE is_active = 1 LIMIT 1`)
	cfg, err := scanLlmConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("active llm config")
	}
	return cfg, err
}

// DeleteLlmConfig removes a provider's credential row.
func (s *Store) DeleteLlmConfig(provider types.Provider) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM llm_configs WHERE provider = ?`, provider)
	if err != nil {
		return false, translateErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanLlmConfig(row rowScanner) (*types.LlmConfig, error) {
	var cfg types.LlmConfig
	err := row.Scan(
		&cfg.ID, &cfg.Provider, &cfg.EncryptedAPIKey, &cfg.IsActive,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
