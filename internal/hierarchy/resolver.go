// Package hierarchy resolves a device identity to its owning site,
// program, and tenant. The engine consumes this strictly read-only;
// assignment is a separate workflow.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brainlytree/canopy/internal/store"
)

// ErrUnassigned is returned for a device that has no site yet.
var ErrUnassigned = errors.New("device is not assigned to a site")

// Placement is the resolved ownership of a device.
type Placement struct {
	Site    store.Site
	Program store.Program
	Tenant  store.Tenant
	// Location is the site's timezone, resolved once per lookup.
	Location *time.Location
}

// Resolver looks up device placement.
type Resolver interface {
	Resolve(ctx context.Context, device *store.Device) (*Placement, error)
}

// StoreResolver resolves placement from the registry tables.
type StoreResolver struct {
	store *store.Store
}

// NewStoreResolver creates a Resolver over the persistent registry.
func NewStoreResolver(s *store.Store) *StoreResolver {
	return &StoreResolver{store: s}
}

// Resolve walks device -> site -> program -> tenant.
func (r *StoreResolver) Resolve(ctx context.Context, device *store.Device) (*Placement, error) {
	if device.SiteID == nil {
		return nil, ErrUnassigned
	}

	db := r.store.DB().WithContext(ctx)

	var site store.Site
	if err := db.First(&site, *device.SiteID).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve site: %w", err)
	}

	var program store.Program
	if err := db.First(&program, site.ProgramID).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve program: %w", err)
	}

	var tenant store.Tenant
	if err := db.First(&tenant, program.TenantID).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve tenant: %w", err)
	}

	loc, err := time.LoadLocation(site.Timezone)
	if err != nil {
		// Bad timezone data must not break the protocol path.
		loc = time.UTC
	}

	return &Placement{
		Site:     site,
		Program:  program,
		Tenant:   tenant,
		Location: loc,
	}, nil
}

var _ Resolver = (*StoreResolver)(nil)
