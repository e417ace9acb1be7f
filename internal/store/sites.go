package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// SiteByID fetches a site.
func (s *Store) SiteByID(ctx context.Context, id uint) (*Site, error) {
	var site Site
	err := s.db.WithContext(ctx).First(&site, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch site: %w", err)
	}
	return &site, nil
}
