package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"approvalq/internal/activity"
	"approvalq/internal/db"
	"approvalq/internal/domain"
	"approvalq/internal/repo"
)

// CreateAPIKey issues a key for userID. The plaintext key is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (string, domain.APIKey, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", domain.APIKey{}, fmt.Errorf("user id required")
	}
	plain, err := repo.GenerateAPIKey()
	if err != nil {
		return "", domain.APIKey{}, err
	}
	key := domain.APIKey{
		ID:        "key_" + uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	var entry domain.ActivityEntry
	err = db.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetUser(ctx, tx, userID); err != nil {
			return fmt.Errorf("user %s: %w", userID, err)
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		entry, err = e.activity().Append(ctx, tx, activity.CreateAPIKey, userID, key.ID, "Created API key "+key.Name)
		return err
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	e.activity().Publish(ctx, entry)
	return plain, key, nil
}

// ListAPIKeys returns key metadata without hashes. An empty userID lists every key.
func (e Engine) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// RevokeAPIKey deletes key id. A non-empty owner restricts revocation to that
// user's keys; anyone else's key reports repo.ErrNotFound.
func (e Engine) RevokeAPIKey(ctx context.Context, id, owner, actorID string) error {
	var entry domain.ActivityEntry
	err := db.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		key, err := e.Repo.GetAPIKey(ctx, tx, id)
		if err != nil {
			return err
		}
		if owner != "" && key.UserID != owner {
			return repo.ErrNotFound
		}
		if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
			return err
		}
		entry, err = e.activity().Append(ctx, tx, activity.RevokeAPIKey, actorID, key.ID, "Revoked API key "+key.Name)
		return err
	})
	if err != nil {
		return err
	}
	e.activity().Publish(ctx, entry)
	return nil
}
