package store_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/brianvoe/gofakeit/v7"

	"github.com/brainlytree/canopy/internal/store"
)

var _ = Describe("Models", func() {
	Describe("Device", func() {
		Context("table name", func() {
			It("should return devices", func() {
				Expect(store.Device{}.TableName()).To(Equal("devices"))
			})
		})

		Context("struct initialization", func() {
			It("should initialize with zero values", func() {
				device := store.Device{}
				Expect(device.DeviceID).To(BeEmpty())
				Expect(device.WakeSpec).To(BeEmpty())
				Expect(device.SiteID).To(BeNil())
				Expect(device.NextWakeAt).To(BeNil())
				Expect(device.ID).To(BeZero())
			})

			It("should allow setting values", func() {
				siteID := uint(4)
				device := store.Device{
					DeviceID:   gofakeit.MacAddress(),
					WakeSpec:   "0 6,12,18 * * *",
					Status:     store.DeviceActive,
					SiteID:     &siteID,
					MaxRetries: 3,
				}

				Expect(device.DeviceID).NotTo(BeEmpty())
				Expect(device.Status).To(Equal(store.DeviceActive))
				Expect(device.SiteID).To(HaveValue(Equal(uint(4))))
				Expect(device.MaxRetries).To(Equal(3))
			})
		})
	})

	Describe("WakeSession", func() {
		It("should return wake_sessions as the table name", func() {
			Expect(store.WakeSession{}.TableName()).To(Equal("wake_sessions"))
		})

		It("should carry independent outcome counters", func() {
			sess := store.WakeSession{
				Day:            "2026-03-10",
				Status:         store.SessionInProgress,
				ExpectedWakes:  6,
				CompletedCount: 4,
				FailedCount:    1,
				ExtraCount:     2,
			}

			Expect(sess.CompletedCount).To(Equal(4))
			Expect(sess.FailedCount).To(Equal(1))
			Expect(sess.ExtraCount).To(Equal(2))
			Expect(sess.LockedAt).To(BeNil())
		})
	})

	Describe("WakePayload", func() {
		It("should return wake_payloads as the table name", func() {
			Expect(store.WakePayload{}.TableName()).To(Equal("wake_payloads"))
		})

		It("should default to no session and no transfer", func() {
			payload := store.WakePayload{DeviceID: "dev-1", ReceivedAt: time.Now()}
			Expect(payload.SessionID).To(BeNil())
			Expect(payload.TransferID).To(BeNil())
			Expect(payload.Overage).To(BeFalse())
		})
	})

	Describe("ImageTransfer", func() {
		It("should return image_transfers as the table name", func() {
			Expect(store.ImageTransfer{}.TableName()).To(Equal("image_transfers"))
		})

		It("should allow setting transfer bookkeeping", func() {
			transfer := store.ImageTransfer{
				DeviceID:       "dev-1",
				ImageName:      "capture_001.jpg",
				Status:         store.TransferReceiving,
				ImageSize:      204800,
				ChunkSize:      4096,
				TotalChunks:    50,
				ReceivedChunks: 12,
			}

			Expect(transfer.Status).To(Equal(store.TransferReceiving))
			Expect(transfer.TotalChunks).To(Equal(50))
			Expect(transfer.ReceivedChunks).To(Equal(12))
		})
	})

	Describe("Command", func() {
		It("should return commands as the table name", func() {
			Expect(store.Command{}.TableName()).To(Equal("commands"))
		})

		It("should carry scheduling and expiry windows", func() {
			scheduledFor := time.Date(2026, 3, 10, 11, 55, 0, 0, time.UTC)
			cmd := store.Command{
				CommandID:    gofakeit.UUID(),
				DeviceID:     "dev-1",
				Type:         store.CommandRetryImage,
				Status:       store.CommandPending,
				Priority:     5,
				ScheduledFor: scheduledFor,
				ExpiresAt:    scheduledFor.Add(35 * time.Minute),
			}

			Expect(cmd.CommandID).NotTo(BeEmpty())
			Expect(cmd.Type).To(Equal(store.CommandRetryImage))
			Expect(cmd.ExpiresAt.After(cmd.ScheduledFor)).To(BeTrue())
		})
	})

	Describe("hierarchy tables", func() {
		It("should name the registry tables", func() {
			Expect(store.Tenant{}.TableName()).To(Equal("tenants"))
			Expect(store.Program{}.TableName()).To(Equal("programs"))
			Expect(store.Site{}.TableName()).To(Equal("sites"))
		})

		It("should leave the timezone default to the database", func() {
			site := store.Site{Name: "north-slope"}
			Expect(site.Timezone).To(BeEmpty())
		})
	})
})
