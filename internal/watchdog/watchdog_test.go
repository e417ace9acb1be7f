package watchdog_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/brainlytree/canopy/internal/hierarchy"
	"github.com/brainlytree/canopy/internal/schedule"
	"github.com/brainlytree/canopy/internal/session"
	"github.com/brainlytree/canopy/internal/store"
	"github.com/brainlytree/canopy/internal/watchdog"
)

// fakeResolver maps device IDs to placements.
type fakeResolver struct {
	placements map[string]*hierarchy.Placement
}

func (f *fakeResolver) Resolve(_ context.Context, device *store.Device) (*hierarchy.Placement, error) {
	placement, ok := f.placements[device.DeviceID]
	if !ok {
		return nil, hierarchy.ErrUnassigned
	}
	return placement, nil
}

var _ = Describe("Orchestrator", func() {
	const deviceID = "B8F862F9CFB8"

	var (
		registry     *fakeRegistry
		resolver     *fakeResolver
		orchestrator *watchdog.Orchestrator
		ctx          context.Context
		now          time.Time
	)

	BeforeEach(func() {
		registry = newFakeRegistry()
		resolver = &fakeResolver{placements: make(map[string]*hierarchy.Placement)}
		ctx = context.Background()
		now = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

		logger := slog.New(slog.NewJSONHandler(GinkgoWriter, nil))
		scheduler := schedule.New(logger)

		sessions, err := session.New(&session.Config{
			Logger:    logger,
			Registry:  registry,
			Scheduler: scheduler,
		})
		Expect(err).NotTo(HaveOccurred())

		orchestrator, err = watchdog.New(&watchdog.Config{
			Logger:    logger,
			Registry:  registry,
			Resolver:  resolver,
			Scheduler: scheduler,
			Sessions:  sessions,
			Now:       func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())
	})

	// addStaleTransfer seeds an assigned device whose wake window closed
	// with an unfinished transfer and its pending wake payload.
	addStaleTransfer := func(retryCount int) (*store.Device, *store.ImageTransfer, *store.WakePayload) {
		siteID := uint(1)
		missedWake := now.Add(-time.Hour)
		device := registry.addDevice(&store.Device{
			DeviceID:   deviceID,
			Status:     store.DeviceActive,
			SiteID:     &siteID,
			WakeSpec:   "0 6,12,18 * * *",
			MaxRetries: 3,
			NextWakeAt: &missedWake,
		})
		resolver.placements[deviceID] = &hierarchy.Placement{
			Site:     store.Site{ID: siteID, Name: "north-slope", Timezone: "UTC"},
			Location: time.UTC,
		}

		transfer := registry.addTransfer(&store.ImageTransfer{
			DeviceID:       deviceID,
			ImageName:      "capture_001.jpg",
			Status:         store.TransferReceiving,
			TotalChunks:    4,
			ReceivedChunks: 2,
			RetryCount:     retryCount,
		})

		sess, err := registry.OpenSession(ctx, siteID, "2026-03-10", 3)
		Expect(err).NotTo(HaveOccurred())
		payload := registry.addPayload(&store.WakePayload{
			DeviceID:   deviceID,
			Status:     store.PayloadPending,
			SessionID:  &sess.ID,
			ReceivedAt: missedWake,
		})

		return device, transfer, payload
	}

	Describe("New", func() {
		It("should reject a nil config", func() {
			_, err := watchdog.New(nil)
			Expect(err).To(HaveOccurred())
		})

		It("should reject a missing session coordinator", func() {
			logger := slog.New(slog.NewJSONHandler(GinkgoWriter, nil))
			_, err := watchdog.New(&watchdog.Config{
				Logger:    logger,
				Registry:  registry,
				Resolver:  resolver,
				Scheduler: schedule.New(logger),
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Sweep", func() {
		It("should fail a transfer whose wake window closed", func() {
			_, transfer, _ := addStaleTransfer(0)

			orchestrator.Sweep(ctx)

			stored := registry.transfers[transfer.ID]
			Expect(stored.Status).To(Equal(store.TransferFailed))
			Expect(stored.FailureReason).To(ContainSubstring("2/4 chunks"))
			Expect(stored.RetryCount).To(Equal(1))
		})

		It("should fail the wake payload and book the session outcome", func() {
			_, _, payload := addStaleTransfer(0)

			orchestrator.Sweep(ctx)

			stored := registry.payloads[payload.ID]
			Expect(stored.Status).To(Equal(store.PayloadFailed))
			Expect(registry.sessions[*payload.SessionID].FailedCount).To(Equal(1))
		})

		It("should queue a retry aimed at the device's next wake", func() {
			addStaleTransfer(0)

			orchestrator.Sweep(ctx)

			Expect(registry.enqueued).To(HaveLen(1))
			cmd := registry.enqueued[0]
			Expect(cmd.Type).To(Equal(store.CommandRetryImage))
			Expect(cmd.DeviceID).To(Equal(deviceID))
			Expect(cmd.Priority).To(Equal(5))

			// Next firing after 08:00 on a 6,12,18 schedule is 12:00: the
			// command opens shortly before and survives shortly after it.
			Expect(cmd.ScheduledFor).To(Equal(time.Date(2026, 3, 10, 11, 55, 0, 0, time.UTC)))
			Expect(cmd.ExpiresAt).To(Equal(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)))

			var body map[string]interface{}
			Expect(json.Unmarshal([]byte(cmd.Payload), &body)).To(Succeed())
			Expect(body["send_image"]).To(Equal("capture_001.jpg"))
			Expect(body["command_id"]).NotTo(BeEmpty())
		})

		It("should stop retrying once the device's budget is spent", func() {
			_, transfer, _ := addStaleTransfer(2)

			orchestrator.Sweep(ctx)

			Expect(registry.transfers[transfer.ID].RetryCount).To(Equal(3))
			Expect(registry.enqueued).To(BeEmpty())
		})

		It("should leave transfers of devices still inside their wake window alone", func() {
			_, transfer, _ := addStaleTransfer(0)
			future := now.Add(time.Hour)
			registry.devices[deviceID].NextWakeAt = &future

			orchestrator.Sweep(ctx)

			Expect(registry.transfers[transfer.ID].Status).To(Equal(store.TransferReceiving))
			Expect(registry.enqueued).To(BeEmpty())
		})

		It("should fail an abandoned wake that never produced a transfer", func() {
			siteID := uint(1)
			missedWake := now.Add(-time.Hour)
			registry.addDevice(&store.Device{
				DeviceID:   deviceID,
				Status:     store.DeviceActive,
				SiteID:     &siteID,
				MaxRetries: 3,
				NextWakeAt: &missedWake,
			})
			resolver.placements[deviceID] = &hierarchy.Placement{
				Site:     store.Site{ID: siteID, Timezone: "UTC"},
				Location: time.UTC,
			}
			sess, err := registry.OpenSession(ctx, siteID, "2026-03-10", 3)
			Expect(err).NotTo(HaveOccurred())
			payload := registry.addPayload(&store.WakePayload{
				DeviceID:  deviceID,
				Status:    store.PayloadPending,
				SessionID: &sess.ID,
			})

			orchestrator.Sweep(ctx)

			Expect(registry.payloads[payload.ID].Status).To(Equal(store.PayloadFailed))
			Expect(registry.sessions[sess.ID].FailedCount).To(Equal(1))
		})

		It("should skip session accounting for an unassigned device", func() {
			missedWake := now.Add(-time.Hour)
			registry.addDevice(&store.Device{
				DeviceID:   deviceID,
				Status:     store.DevicePendingAssignment,
				MaxRetries: 3,
				NextWakeAt: &missedWake,
			})
			payload := registry.addPayload(&store.WakePayload{
				DeviceID: deviceID,
				Status:   store.PayloadPending,
			})

			orchestrator.Sweep(ctx)

			Expect(registry.payloads[payload.ID].Status).To(Equal(store.PayloadFailed))
			Expect(registry.sessions).To(BeEmpty())
		})

		It("should not double-fail a transfer across repeated sweeps", func() {
			_, transfer, _ := addStaleTransfer(0)

			orchestrator.Sweep(ctx)
			orchestrator.Sweep(ctx)

			Expect(registry.transfers[transfer.ID].RetryCount).To(Equal(1))
			Expect(registry.enqueued).To(HaveLen(1))
		})

		It("should reroute a late failure when the session is already locked", func() {
			_, _, payload := addStaleTransfer(0)
			originalSession := *payload.SessionID
			locked, err := registry.LockSession(ctx, originalSession, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(locked).To(BeTrue())

			orchestrator.Sweep(ctx)

			stored := registry.payloads[payload.ID]
			Expect(stored.Status).To(Equal(store.PayloadFailed))
			Expect(*stored.SessionID).NotTo(Equal(originalSession))
			Expect(registry.sessions[*stored.SessionID].FailedCount).To(Equal(1))
			Expect(registry.sessions[originalSession].FailedCount).To(BeZero())
		})
	})
})
