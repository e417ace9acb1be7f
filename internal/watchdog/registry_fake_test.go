package watchdog_test

import (
	"context"
	"time"

	"github.com/brainlytree/canopy/internal/session"
	"github.com/brainlytree/canopy/internal/store"
	"github.com/brainlytree/canopy/internal/watchdog"
)

// fakeRegistry backs both the watchdog and session coordinator in tests.
type fakeRegistry struct {
	devices   map[string]*store.Device
	payloads  map[uint]*store.WakePayload
	transfers map[uint]*store.ImageTransfer
	sessions  map[uint]*store.WakeSession
	sites     map[uint]*store.Site
	enqueued  []*store.Command
	nextID    uint
}

var (
	_ watchdog.Registry = (*fakeRegistry)(nil)
	_ session.Registry  = (*fakeRegistry)(nil)
)

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		devices:   make(map[string]*store.Device),
		payloads:  make(map[uint]*store.WakePayload),
		transfers: make(map[uint]*store.ImageTransfer),
		sessions:  make(map[uint]*store.WakeSession),
		sites:     make(map[uint]*store.Site),
		nextID:    1,
	}
}

func (f *fakeRegistry) id() uint {
	id := f.nextID
	f.nextID++
	return id
}

func (f *fakeRegistry) addDevice(d *store.Device) *store.Device {
	d.ID = f.id()
	f.devices[d.DeviceID] = d
	return d
}

func (f *fakeRegistry) addTransfer(t *store.ImageTransfer) *store.ImageTransfer {
	t.ID = f.id()
	f.transfers[t.ID] = t
	return t
}

func (f *fakeRegistry) addPayload(p *store.WakePayload) *store.WakePayload {
	p.ID = f.id()
	f.payloads[p.ID] = p
	return p
}

// stale reports whether the device's next wake has passed.
func (f *fakeRegistry) stale(deviceID string, now time.Time) (*store.Device, bool) {
	device, ok := f.devices[deviceID]
	if !ok || device.NextWakeAt == nil {
		return nil, false
	}
	return device, device.NextWakeAt.Before(now)
}

func (f *fakeRegistry) StaleTransfers(_ context.Context, now time.Time) ([]store.StaleTransfer, error) {
	var out []store.StaleTransfer
	for _, t := range f.transfers {
		if t.Status == store.TransferComplete || t.Status == store.TransferFailed {
			continue
		}
		if device, isStale := f.stale(t.DeviceID, now); isStale {
			out = append(out, store.StaleTransfer{Transfer: *t, Device: *device})
		}
	}
	return out, nil
}

func (f *fakeRegistry) StalePendingPayloads(_ context.Context, now time.Time) ([]store.StalePayload, error) {
	var out []store.StalePayload
	for _, p := range f.payloads {
		if p.Status != store.PayloadPending {
			continue
		}
		if device, isStale := f.stale(p.DeviceID, now); isStale {
			out = append(out, store.StalePayload{Payload: *p, Device: *device})
		}
	}
	return out, nil
}

func (f *fakeRegistry) FailTransfer(_ context.Context, transferID uint, reason string) (bool, error) {
	t, ok := f.transfers[transferID]
	if !ok || t.Status == store.TransferComplete || t.Status == store.TransferFailed {
		return false, nil
	}
	t.Status = store.TransferFailed
	t.FailureReason = reason
	t.RetryCount++
	return true, nil
}

func (f *fakeRegistry) FinishWakePayload(_ context.Context, payloadID uint, status store.PayloadStatus, transferID *uint) (bool, error) {
	p, ok := f.payloads[payloadID]
	if !ok || p.Status != store.PayloadPending {
		return false, nil
	}
	p.Status = status
	if transferID != nil {
		p.TransferID = transferID
	}
	return true, nil
}

func (f *fakeRegistry) PendingPayloadForDevice(_ context.Context, deviceID string) (*store.WakePayload, error) {
	var newest *store.WakePayload
	for _, p := range f.payloads {
		if p.DeviceID == deviceID && p.Status == store.PayloadPending {
			if newest == nil || p.ID > newest.ID {
				newest = p
			}
		}
	}
	if newest == nil {
		return nil, store.ErrNotFound
	}
	copied := *newest
	return &copied, nil
}

func (f *fakeRegistry) EnqueueCommand(_ context.Context, cmd *store.Command) error {
	cmd.ID = f.id()
	f.enqueued = append(f.enqueued, cmd)
	return nil
}

func (f *fakeRegistry) DeviceByID(_ context.Context, deviceID string) (*store.Device, error) {
	device, ok := f.devices[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *device
	return &copied, nil
}

// --- session.Registry ---

func (f *fakeRegistry) OpenSession(_ context.Context, siteID uint, day string, expectedWakes int) (*store.WakeSession, error) {
	for _, s := range f.sessions {
		if s.SiteID == siteID && s.Day == day && s.Status != store.SessionLocked {
			copied := *s
			return &copied, nil
		}
	}
	sess := &store.WakeSession{
		ID:            f.id(),
		SiteID:        siteID,
		Day:           day,
		ExpectedWakes: expectedWakes,
		Status:        store.SessionInProgress,
	}
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
	var count int64
	for _, p := range f.payloads {
		if p.SessionID != nil && *p.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (f *fakeRegistry) AttachPayloadSession(_ context.Context, payloadID, sessionID uint, overage bool) error {
	p, ok := f.payloads[payloadID]
	if !ok {
		return store.ErrNotFound
	}
	p.SessionID = &sessionID
	p.Overage = overage
	return nil
}

func (f *fakeRegistry) ActiveDevicesForSite(_ context.Context, siteID uint) ([]store.Device, error) {
	var out []store.Device
	for _, d := range f.devices {
		if d.Status == store.DeviceActive && d.SiteID != nil && *d.SiteID == siteID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeRegistry) SiteByID(_ context.Context, id uint) (*store.Site, error) {
	site, ok := f.sites[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *site
	return &copied, nil
}
