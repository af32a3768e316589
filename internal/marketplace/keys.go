package marketplace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"

	"boostflow/internal/domain"
	"boostflow/internal/repo"
)

const apiKeyPrefix = "bf_"

// CreateAPIKey mints a key for viewer. The plaintext is returned once; only
// its hash is stored.
func (s Service) CreateAPIKey(ctx context.Context, viewer *domain.Viewer, name string) (domain.APIKey, string, error) {
	if !viewer.Authenticated() {
		return domain.APIKey{}, "", repo.ErrNotFound
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        s.newID(),
		UserID:    viewer.ID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: repo.FormatTS(s.now()),
	}
	if err := s.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	s.log().Info("api key created", zap.String("user_id", viewer.ID), zap.String("key_id", key.ID))
	return key, plain, nil
}

func (s Service) ListAPIKeys(ctx context.Context, viewer *domain.Viewer) ([]domain.APIKey, error) {
	if !viewer.Authenticated() {
		return nil, nil
	}
	return s.Repo.ListAPIKeys(ctx, viewer.ID)
}

// DeleteAPIKey revokes one of viewer's keys. Keys of other users are reported
// as not found.
func (s Service) DeleteAPIKey(ctx context.Context, viewer *domain.Viewer, id string) error {
	if !viewer.Authenticated() {
		return repo.ErrNotFound
	}
	return s.Repo.DeleteAPIKey(ctx, viewer.ID, id)
}
