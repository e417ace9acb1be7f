package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brainlytree/canopy/internal/assembly"
	"github.com/brainlytree/canopy/internal/hierarchy"
	"github.com/brainlytree/canopy/internal/scoring"
	"github.com/brainlytree/canopy/internal/store"
)

// handleMetadata resolves or creates the ImageTransfer for (device,
// image-name) and records inline telemetry on the wake payload.
//
// Three cases, per the uniqueness of (device, image-name):
//   - no transfer yet: create in awaiting_metadata;
//   - transfer exists, not complete: resume — declared fields update,
//     received-chunk count is preserved;
//   - transfer already complete: duplicate — acknowledge, do not reprocess.
func (h *Handler) handleMetadata(ctx context.Context, msg *DataMessage) {
	if msg.TotalChunks == nil || *msg.TotalChunks <= 0 {
		h.drop("metadata", "invalid total chunk count", "device_id", msg.DeviceID, "image_name", msg.ImageName)
		return
	}

	capturedAt := msg.CapturedAt()
	candidate := &store.ImageTransfer{
		DeviceID:    msg.DeviceID,
		ImageName:   msg.ImageName,
		ImageSize:   msg.ImageSize,
		ChunkSize:   msg.MaxChunkSize,
		TotalChunks: *msg.TotalChunks,
		Status:      store.TransferAwaitingMetadata,
		CapturedAt:  capturedAt,
	}

	transfer, created, err := h.registry.GetOrCreateTransfer(ctx, candidate)
	if err != nil {
		h.logger.Error("failed to resolve transfer",
			"device_id", msg.DeviceID, "image_name", msg.ImageName, "error", err)
		return
	}

	switch {
	case created:
		h.logger.Info("transfer started",
			"device_id", msg.DeviceID,
			"image_name", msg.ImageName,
			"total_chunks", transfer.TotalChunks,
			"image_size", msg.ImageSize,
		)

	case transfer.Status == store.TransferComplete:
		// Duplicate metadata for a finished transfer: informational only.
		h.logger.Info("duplicate metadata for complete transfer, acknowledging",
			"device_id", msg.DeviceID, "image_name", msg.ImageName)
		h.ackComplete(ctx, msg.DeviceID, msg.ImageName)
		return

	default:
		// Resume: an earlier wake already buffered part of this image.
		if err := h.registry.ResumeTransfer(ctx, transfer.ID, msg.ImageSize, msg.MaxChunkSize, *msg.TotalChunks, capturedAt); err != nil {
			h.logger.Error("failed to resume transfer",
				"device_id", msg.DeviceID, "image_name", msg.ImageName, "error", err)
			return
		}
		if h.metrics != nil {
			h.metrics.TransfersResumed.Inc()
		}
		h.logger.Info("transfer resumed",
			"device_id", msg.DeviceID,
			"image_name", msg.ImageName,
			"received_chunks", transfer.ReceivedChunks,
			"total_chunks", *msg.TotalChunks,
			"retry_count", transfer.RetryCount,
		)
	}

	// Telemetry rides on the metadata message; store it on the wake in
	// progress. Best effort: a missing pending payload (metadata without
	// hello) is tolerated.
	payload, err := h.registry.PendingPayloadForDevice(ctx, msg.DeviceID)
	if err == nil {
		err = h.registry.UpdatePayloadTelemetry(ctx, payload.ID, capturedAt,
			msg.Temperature, msg.Humidity, msg.Pressure, msg.GasResistance, msg.ErrorFlag)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("failed to store wake telemetry",
			"device_id", msg.DeviceID, "error", err)
	}
}

// handleChunk buffers one chunk, write-once, and completes the transfer
// when the declared total is reached.
func (h *Handler) handleChunk(ctx context.Context, msg *DataMessage) {
	index := *msg.ChunkID
	if index < 0 {
		h.drop("chunk", "negative index", "device_id", msg.DeviceID, "image_name", msg.ImageName)
		return
	}
	if len(msg.Payload) == 0 {
		h.drop("chunk", "empty payload", "device_id", msg.DeviceID, "image_name", msg.ImageName)
		return
	}

	transfer, err := h.registry.TransferByKey(ctx, msg.DeviceID, msg.ImageName)
	if errors.Is(err, store.ErrNotFound) {
		// Chunk before metadata: no declared total to validate against.
		// The device resends after the missing-chunks exchange.
		h.drop("chunk", "no transfer for chunk", "device_id", msg.DeviceID, "image_name", msg.ImageName)
		return
	}
	if err != nil {
		h.logger.Error("failed to fetch transfer for chunk",
			"device_id", msg.DeviceID, "image_name", msg.ImageName, "error", err)
		return
	}

	if transfer.Status == store.TransferComplete {
		h.logger.Debug("chunk for complete transfer ignored",
			"device_id", msg.DeviceID, "image_name", msg.ImageName, "chunk_id", index)
		return
	}
	if index >= transfer.TotalChunks {
		h.drop("chunk", "index beyond declared total",
			"device_id", msg.DeviceID, "image_name", msg.ImageName, "chunk_id", index)
		return
	}

	stored, err := h.chunks.PutChunk(ctx, msg.DeviceID, msg.ImageName, index, msg.Payload)
	if err != nil {
		h.logger.Error("failed to buffer chunk",
			"device_id", msg.DeviceID, "image_name", msg.ImageName, "chunk_id", index, "error", err)
		return
	}
	if !stored {
		// Retransmission: first write wins, buffer contents unchanged.
		if h.metrics != nil {
			h.metrics.ChunksDuplicate.Inc()
		}
		return
	}
	if h.metrics != nil {
		h.metrics.ChunksReceived.Inc()
	}

	if _, err := h.registry.IncrementReceivedChunks(ctx, transfer.ID); err != nil {
		h.logger.Error("failed to count chunk",
			"device_id", msg.DeviceID, "image_name", msg.ImageName, "error", err)
		return
	}

	received, err := h.chunks.ReceivedIndices(ctx, msg.DeviceID, msg.ImageName)
	if err != nil {
		h.logger.Error("failed to read buffered indices",
			"device_id", msg.DeviceID, "image_name", msg.ImageName, "error", err)
		return
	}
	if len(received) >= transfer.TotalChunks {
		h.completeTransfer(ctx, transfer)
	}
}

// handleDone answers the device's end-of-stream marker: either the sorted
// missing-chunk set, or the final acknowledgment if the buffer is whole.
func (h *Handler) handleDone(ctx context.Context, msg *DataMessage) {
	transfer, err := h.registry.TransferByKey(ctx, msg.DeviceID, msg.ImageName)
	if errors.Is(err, store.ErrNotFound) {
		h.drop("done", "no transfer", "device_id", msg.DeviceID, "image_name", msg.ImageName)
		return
	}
	if err != nil {
		h.logger.Error("failed to fetch transfer for done marker",
			"device_id", msg.DeviceID, "image_name", msg.ImageName, "error", err)
		return
	}

	if transfer.Status == store.TransferComplete {
		h.ackComplete(ctx, msg.DeviceID, msg.ImageName)
		return
	}

	received, err := h.chunks.ReceivedIndices(ctx, msg.DeviceID, msg.ImageName)
	if err != nil {
		h.logger.Error("failed to read buffered indices",
			"device_id", msg.DeviceID, "image_name", msg.ImageName, "error", err)
		return
	}

	missing := assembly.Missing(received, transfer.TotalChunks)
	if len(missing) == 0 {
		h.completeTransfer(ctx, transfer)
		return
	}

	// Ask only for the gaps; the partially received image stays buffered.
	if h.metrics != nil {
		h.metrics.MissingChunkAsks.Inc()
	}
	h.logger.Info("requesting missing chunks",
		"device_id", msg.DeviceID,
		"image_name", msg.ImageName,
		"missing", len(missing),
	)
	ack := &AckMessage{ImageName: msg.ImageName, MissingChunks: missing}
	if err := h.client.Publish(ctx, AckTopic(msg.DeviceID), marshalAck(ack)); err != nil {
		h.logger.Error("failed to publish missing-chunks request",
			"device_id", msg.DeviceID, "error", err)
	}
}

// completeTransfer assembles the buffered chunks, stores the image,
// finishes the wake, and sends the final acknowledgment. The
// receiving -> assembling transition is the claim that serializes racing
// completion attempts: whoever wins it runs the rest.
func (h *Handler) completeTransfer(ctx context.Context, transfer *store.ImageTransfer) {
	claimed, err := h.registry.TransitionTransfer(ctx, transfer.ID,
		store.TransferReceiving, store.TransferAssembling, nil)
	if err != nil {
		h.logger.Error("failed to claim transfer for assembly",
			"device_id", transfer.DeviceID, "image_name", transfer.ImageName, "error", err)
		return
	}
	if !claimed {
		return
	}

	var timer *prometheus.Timer
	if h.metrics != nil {
		timer = prometheus.NewTimer(h.metrics.AssemblyDuration)
	}

	chunks, err := h.chunks.Chunks(ctx, transfer.DeviceID, transfer.ImageName)
	if err != nil {
		h.abortAssembly(ctx, transfer, fmt.Sprintf("chunk buffer read failed: %v", err))
		return
	}

	result, err := assembly.Assemble(chunks, transfer.TotalChunks)
	if err != nil {
		// Buffer expired or shrank between the completeness check and
		// now. Back to receiving; the device or watchdog takes it from
		// there.
		h.abortAssembly(ctx, transfer, fmt.Sprintf("assembly failed: %v", err))
		return
	}

	now := h.now()
	device, err := h.registry.DeviceByID(ctx, transfer.DeviceID)
	if err != nil {
		h.abortAssembly(ctx, transfer, fmt.Sprintf("device lookup failed: %v", err))
		return
	}

	placement, err := h.resolver.Resolve(ctx, device)
	if err != nil && !errors.Is(err, hierarchy.ErrUnassigned) {
		h.abortAssembly(ctx, transfer, fmt.Sprintf("placement lookup failed: %v", err))
		return
	}

	objectKey := h.objectKey(placement, transfer, now)
	if err := h.objects.Put(ctx, objectKey, result.Data); err != nil {
		h.abortAssembly(ctx, transfer, fmt.Sprintf("object store write failed: %v", err))
		return
	}

	done, err := h.registry.TransitionTransfer(ctx, transfer.ID,
		store.TransferAssembling, store.TransferComplete, map[string]interface{}{
			"object_key":     objectKey,
			"failure_reason": "",
		})
	if err != nil || !done {
		h.logger.Error("failed to finalize transfer",
			"device_id", transfer.DeviceID, "image_name", transfer.ImageName, "error", err)
		return
	}
	if timer != nil {
		timer.ObserveDuration()
	}
	if h.metrics != nil {
		h.metrics.TransfersCompleted.Inc()
	}

	if err := h.chunks.Delete(ctx, transfer.DeviceID, transfer.ImageName); err != nil {
		h.logger.Warn("failed to drop chunk buffer, TTL will reclaim it",
			"device_id", transfer.DeviceID, "image_name", transfer.ImageName, "error", err)
	}

	h.logger.Info("transfer complete",
		"device_id", transfer.DeviceID,
		"image_name", transfer.ImageName,
		"bytes", len(result.Data),
		"chunks", result.Chunks,
		"object_key", objectKey,
	)

	// Fire-and-forget: scoring never blocks or reverts the protocol path.
	if h.scoring != nil {
		var siteID uint
		if placement != nil {
			siteID = placement.Site.ID
		}
		h.scoring.Submit(scoring.Job{
			DeviceID:   transfer.DeviceID,
			ImageName:  transfer.ImageName,
			ObjectKey:  objectKey,
			SiteID:     siteID,
			CapturedAt: transfer.CapturedAt,
		})
	}

	h.finishWake(ctx, device, placement, transfer.ID, now)
	h.ackComplete(ctx, transfer.DeviceID, transfer.ImageName)
}

// abortAssembly returns a claimed transfer to receiving with a reason.
func (h *Handler) abortAssembly(ctx context.Context, transfer *store.ImageTransfer, reason string) {
	h.logger.Error("assembly aborted",
		"device_id", transfer.DeviceID,
		"image_name", transfer.ImageName,
		"reason", reason,
	)
	if _, err := h.registry.TransitionTransfer(ctx, transfer.ID,
		store.TransferAssembling, store.TransferReceiving,
		map[string]interface{}{"failure_reason": reason}); err != nil {
		h.logger.Error("failed to return transfer to receiving",
			"device_id", transfer.DeviceID, "image_name", transfer.ImageName, "error", err)
	}
}

// objectKey builds the stored image key. Millisecond prefix keeps
// repeated image names from colliding in the object store.
func (h *Handler) objectKey(placement *hierarchy.Placement, transfer *store.ImageTransfer, now time.Time) string {
	prefix := "unassigned"
	if placement != nil {
		prefix = fmt.Sprintf("site-%d", placement.Site.ID)
	}
	return fmt.Sprintf("%s/%s/%d_%s", prefix, transfer.DeviceID, now.UnixMilli(), transfer.ImageName)
}

// finishWake closes out the wake payload, books the session counter, and
// computes the device's next wake instant.
func (h *Handler) finishWake(ctx context.Context, device *store.Device, placement *hierarchy.Placement, transferID uint, now time.Time) {
	payload, err := h.registry.PendingPayloadForDevice(ctx, device.DeviceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("failed to fetch wake payload", "device_id", device.DeviceID, "error", err)
	}
	if payload != nil {
		finished, err := h.registry.FinishWakePayload(ctx, payload.ID, store.PayloadComplete, &transferID)
		if err != nil {
			h.logger.Error("failed to finish wake payload", "device_id", device.DeviceID, "error", err)
		} else if finished && placement != nil {
			if err := h.sessions.RecordOutcome(ctx, payload, placement.Site.ID,
				placement.Location, store.PayloadComplete, now); err != nil {
				h.logger.Error("failed to record session outcome",
					"device_id", device.DeviceID, "error", err)
			}
		}
	}

	loc := time.UTC
	if placement != nil {
		loc = placement.Location
	}
	nextWake := h.scheduler.NextWake(device.WakeSpec, now, loc)
	if err := h.registry.UpdateDeviceWake(ctx, device.DeviceID, now, nextWake); err != nil {
		h.logger.Error("failed to update device wake times",
			"device_id", device.DeviceID, "error", err)
	}
}

// ackComplete sends the final acknowledgment carrying the next wake
// instant — the only place a device ever learns when to wake.
func (h *Handler) ackComplete(ctx context.Context, deviceID, imageName string) {
	device, err := h.registry.DeviceByID(ctx, deviceID)
	if err != nil {
		h.logger.Error("failed to fetch device for ack", "device_id", deviceID, "error", err)
		return
	}

	next := device.NextWakeAt
	if next == nil {
		fallback := h.scheduler.NextWake(device.WakeSpec, h.now(), time.UTC)
		next = &fallback
	}

	ack := &AckMessage{
		ImageName: imageName,
		OK:        &AckOK{NextWakeTime: next.UTC().Format(time.RFC3339)},
	}
	if err := h.client.Publish(ctx, AckTopic(deviceID), marshalAck(ack)); err != nil {
		h.logger.Error("failed to publish acknowledgment", "device_id", deviceID, "error", err)
		return
	}
	h.logger.Info("wake acknowledged",
		"device_id", deviceID,
		"image_name", imageName,
		"next_wake", next.UTC().Format(time.RFC3339),
	)
}
