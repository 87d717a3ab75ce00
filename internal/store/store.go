// Package store provides durable client storage for chat preferences.
package store

import (
	"context"

	"github.com/ashureev/aloha-tutor/internal/domain"
)

// ThemeKey is the preference key holding the theme string.
const ThemeKey = "theme"

// Repository defines the interface for persisting client preferences.
type Repository interface {
	// GetPreference returns the stored value for key. ok is false when the key is unset.
	GetPreference(ctx context.Context, key string) (value string, ok bool, err error)

	// SetPreference creates or replaces the value for key.
	SetPreference(ctx context.Context, key, value string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// ThemeStore adapts a Repository to the single theme key.
type ThemeStore struct {
	repo Repository
}

// NewThemeStore creates a ThemeStore backed by repo.
func NewThemeStore(repo Repository) *ThemeStore {
	return &ThemeStore{repo: repo}
}

// LoadTheme returns the persisted theme. ok is false when nothing valid is stored.
func (s *ThemeStore) LoadTheme(ctx context.Context) (domain.Theme, bool, error) {
	value, ok, err := s.repo.GetPreference(ctx, ThemeKey)
	if err != nil || !ok {
		return "", false, err
	}
	theme := domain.Theme(value)
	if !theme.Valid() {
		return "", false, nil
	}
	return theme, true, nil
}

// SaveTheme persists theme.
func (s *ThemeStore) SaveTheme(ctx context.Context, theme domain.Theme) error {
	return s.repo.SetPreference(ctx, ThemeKey, string(theme))
}
