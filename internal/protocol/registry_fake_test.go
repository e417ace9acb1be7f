package protocol_test

import (
	"context"
	"sync"
	"time"

	"github.com/brainlytree/canopy/internal/protocol"
	"github.com/brainlytree/canopy/internal/session"
	"github.com/brainlytree/canopy/internal/store"
)

// fakeRegistry is an in-memory stand-in for the persistent store. It
// implements both the protocol and session registry surfaces with the
// same conditional-transition semantics as the real store.
type fakeRegistry struct {
	m         sync.Mutex
	devices   map[string]*store.Device
	payloads  map[uint]*store.WakePayload
	transfers map[uint]*store.ImageTransfer
	sessions  map[uint]*store.WakeSession
	sites     map[uint]*store.Site
	nextID    uint
}

var (
	_ protocol.Registry = (*fakeRegistry)(nil)
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

// --- devices ---

func (f *fakeRegistry) TouchDevice(_ context.Context, deviceID string, seenAt time.Time) (*store.Device, error) {
	f.m.Lock()
	defer f.m.Unlock()

	device, ok := f.devices[deviceID]
	if !ok {
		device = &store.Device{
			ID:         f.id(),
			DeviceID:   deviceID,
			Status:     store.DevicePendingAssignment,
			MaxRetries: 3,
		}
		f.devices[deviceID] = device
	}
	device.LastSeen = seenAt
	copied := *device
	return &copied, nil
}

func (f *fakeRegistry) DeviceByID(_ context.Context, deviceID string) (*store.Device, error) {
	f.m.Lock()
	defer f.m.Unlock()

	device, ok := f.devices[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *device
	return &copied, nil
}

func (f *fakeRegistry) UpdateDeviceWake(_ context.Context, deviceID string, lastWake, nextWake time.Time) error {
	f.m.Lock()
	defer f.m.Unlock()

	device, ok := f.devices[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	device.LastWakeAt = &lastWake
	device.NextWakeAt = &nextWake
	return nil
}

// --- payloads ---

func (f *fakeRegistry) CreateWakePayload(_ context.Context, payload *store.WakePayload) error {
	f.m.Lock()
	defer f.m.Unlock()

	payload.ID = f.id()
	payload.Status = store.PayloadPending
	copied := *payload
	f.payloads[payload.ID] = &copied
	return nil
}

func (f *fakeRegistry) PendingPayloadForDevice(_ context.Context, deviceID string) (*store.WakePayload, error) {
	f.m.Lock()
	defer f.m.Unlock()

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

func (f *fakeRegistry) UpdatePayloadTelemetry(_ context.Context, payloadID uint, capturedAt *time.Time, temperature, humidity, pressure, gasResistance float64, errorFlag int) error {
	f.m.Lock()
	defer f.m.Unlock()

	payload, ok := f.payloads[payloadID]
	if !ok || payload.Status != store.PayloadPending {
		return nil
	}
	payload.Temperature = temperature
	payload.Humidity = humidity
	payload.Pressure = pressure
	payload.GasResistance = gasResistance
	payload.ErrorFlag = errorFlag
	if capturedAt != nil {
		payload.CapturedAt = capturedAt
	}
	return nil
}

func (f *fakeRegistry) FinishWakePayload(_ context.Context, payloadID uint, status store.PayloadStatus, transferID *uint) (bool, error) {
	f.m.Lock()
	defer f.m.Unlock()

	payload, ok := f.payloads[payloadID]
	if !ok || payload.Status != store.PayloadPending {
		return false, nil
	}
	payload.Status = status
	if transferID != nil {
		payload.TransferID = transferID
	}
	return true, nil
}

// --- transfers ---

func (f *fakeRegistry) GetOrCreateTransfer(_ context.Context, transfer *store.ImageTransfer) (*store.ImageTransfer, bool, error) {
	f.m.Lock()
	defer f.m.Unlock()

	for _, t := range f.transfers {
		if t.DeviceID == transfer.DeviceID && t.ImageName == transfer.ImageName {
			copied := *t
			return &copied, false, nil
		}
	}

	transfer.ID = f.id()
	copied := *transfer
	f.transfers[transfer.ID] = &copied
	result := copied
	return &result, true, nil
}

func (f *fakeRegistry) TransferByKey(_ context.Context, deviceID, imageName string) (*store.ImageTransfer, error) {
	f.m.Lock()
	defer f.m.Unlock()

	for _, t := range f.transfers {
		if t.DeviceID == deviceID && t.ImageName == imageName {
			copied := *t
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRegistry) ResumeTransfer(_ context.Context, transferID uint, imageSize int64, chunkSize, totalChunks int, capturedAt *time.Time) error {
	f.m.Lock()
	defer f.m.Unlock()

	t, ok := f.transfers[transferID]
	if !ok {
		return store.ErrNotFound
	}
	t.ImageSize = imageSize
	t.ChunkSize = chunkSize
	t.TotalChunks = totalChunks
	t.Status = store.TransferReceiving
	if capturedAt != nil {
		t.CapturedAt = capturedAt
	}
	return nil
}

func (f *fakeRegistry) IncrementReceivedChunks(_ context.Context, transferID uint) (bool, error) {
	f.m.Lock()
	defer f.m.Unlock()

	t, ok := f.transfers[transferID]
	if !ok || t.ReceivedChunks >= t.TotalChunks {
		return false, nil
	}
	t.ReceivedChunks++
	if t.Status == store.TransferAwaitingMetadata {
		t.Status = store.TransferReceiving
	}
	return true, nil
}

func (f *fakeRegistry) TransitionTransfer(_ context.Context, transferID uint, from, to store.TransferStatus, extra map[string]interface{}) (bool, error) {
	f.m.Lock()
	defer f.m.Unlock()

	t, ok := f.transfers[transferID]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	if key, ok := extra["object_key"].(string); ok {
		t.ObjectKey = key
	}
	if reason, ok := extra["failure_reason"].(string); ok {
		t.FailureReason = reason
	}
	return true, nil
}

// --- sessions (session.Registry) ---

func (f *fakeRegistry) OpenSession(_ context.Context, siteID uint, day string, expectedWakes int) (*store.WakeSession, error) {
	f.m.Lock()
	defer f.m.Unlock()

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
	f.m.Lock()
	defer f.m.Unlock()

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
	f.m.Lock()
	defer f.m.Unlock()

	sess, ok := f.sessions[sessionID]
	if !ok || sess.Status == store.SessionLocked {
		return false, nil
	}
	sess.Status = store.SessionLocked
	sess.LockedAt = &at
	return true, nil
}

func (f *fakeRegistry) UnlockedSessions(_ context.Context) ([]store.WakeSession, error) {
	f.m.Lock()
	defer f.m.Unlock()

	var out []store.WakeSession
	for _, s := range f.sessions {
		if s.Status != store.SessionLocked {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeRegistry) SessionPayloadCount(_ context.Context, sessionID uint) (int64, error) {
	f.m.Lock()
	defer f.m.Unlock()

	var count int64
	for _, p := range f.payloads {
		if p.SessionID != nil && *p.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (f *fakeRegistry) AttachPayloadSession(_ context.Context, payloadID, sessionID uint, overage bool) error {
	f.m.Lock()
	defer f.m.Unlock()

	payload, ok := f.payloads[payloadID]
	if !ok {
		return store.ErrNotFound
	}
	payload.SessionID = &sessionID
	payload.Overage = overage
	return nil
}

func (f *fakeRegistry) ActiveDevicesForSite(_ context.Context, siteID uint) ([]store.Device, error) {
	f.m.Lock()
	defer f.m.Unlock()

	var out []store.Device
	for _, d := range f.devices {
		if d.Status == store.DeviceActive && d.SiteID != nil && *d.SiteID == siteID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeRegistry) SiteByID(_ context.Context, id uint) (*store.Site, error) {
	f.m.Lock()
	defer f.m.Unlock()

	site, ok := f.sites[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *site
	return &copied, nil
}
