package session_test

import (
	"context"
	"time"

	"github.com/brainlytree/canopy/internal/session"
	"github.com/brainlytree/canopy/internal/store"
)

// fakeRegistry is an in-memory session.Registry mimicking the store's
// contract: at most one unlocked session per (site, day), atomic-style
// counter increments that refuse locked sessions.
type fakeRegistry struct {
	sessions      map[uint]*store.WakeSession
	sites         map[uint]*store.Site
	devices       map[uint][]store.Device
	payloadCounts map[uint]int64
	attached      map[uint]uint // payloadID -> sessionID
	nextID        uint
}

var _ session.Registry = (*fakeRegistry)(nil)

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		sessions:      make(map[uint]*store.WakeSession),
		sites:         make(map[uint]*store.Site),
		devices:       make(map[uint][]store.Device),
		payloadCounts: make(map[uint]int64),
		attached:      make(map[uint]uint),
		nextID:        1,
	}
}

func (f *fakeRegistry) OpenSession(_ context.Context, siteID uint, day string, expectedWakes int) (*store.WakeSession, error) {
	var newest *store.WakeSession
	for _, s := range f.sessions {
		if s.SiteID == siteID && s.Day == day && s.Status != store.SessionLocked {
			if newest == nil || s.ID > newest.ID {
				newest = s
			}
		}
	}
	if newest != nil {
		copied := *newest
		return &copied, nil
	}

	sess := &store.WakeSession{
		ID:            f.nextID,
		SiteID:        siteID,
		Day:           day,
		ExpectedWakes: expectedWakes,
		Status:        store.SessionInProgress,
	}
	f.nextID++
	f.sessions[sess.ID] = sess
	copied := *sess
	return &copied, nil
}

func (f *fakeRegistry) IncrementSessionCounter(_ context.Context, sessionID uint, counter store.SessionCounter) error {
	sess, ok := f.sessions[sessionID]
	if !ok || sess.Status == store.SessionLocked {
		return store.ErrSessionLocked
	}
	switch counter {
	case store.CounterCompleted:
		sess.CompletedCount++
	case store.CounterFailed:
		sess.FailedCount++
	case store.CounterExtra:
		sess.ExtraCount++
	}
	return nil
}

func (f *fakeRegistry) LockSession(_ context.Context, sessionID uint, at time.Time) (bool, error) {
	sess, ok := f.sessions[sessionID]
	if !ok || sess.Status == store.SessionLocked {
		return false, nil
	}
	sess.Status = store.SessionLocked
	sess.LockedAt = &at
	return true, nil
}

func (f *fakeRegistry) UnlockedSessions(_ context.Context) ([]store.WakeSession, error) {
	var out []store.WakeSession
	for _, s := range f.sessions {
		if s.Status != store.SessionLocked {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeRegistry) SessionPayloadCount(_ context.Context, sessionID uint) (int64, error) {
	return f.payloadCounts[sessionID], nil
}

func (f *fakeRegistry) AttachPayloadSession(_ context.Context, payloadID, sessionID uint, _ bool) error {
	f.attached[payloadID] = sessionID
	f.payloadCounts[sessionID]++
	return nil
}

func (f *fakeRegistry) ActiveDevicesForSite(_ context.Context, siteID uint) ([]store.Device, error) {
	return f.devices[siteID], nil
}

func (f *fakeRegistry) SiteByID(_ context.Context, id uint) (*store.Site, error) {
	site, ok := f.sites[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *site
	return &copied, nil
}
